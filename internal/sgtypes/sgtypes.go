// Package sgtypes defines the core data model shared by every engine
// component: repositories, images, table descriptors, objects and tags.
package sgtypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ZeroHash is the distinguished root image every repository starts from.
const ZeroHash Hash = "0000000000000000000000000000000000000000000000000000000000000000"

// HeadTag is the reserved, mutable tag naming the checked-out image.
const HeadTag = "HEAD"

// Hash is a 64 lowercase hex character content identifier (256 bits).
type Hash string

// Valid reports whether h looks like a well-formed hash.
func (h Hash) Valid() bool {
	if len(h) != 64 {
		return false
	}
	for _, r := range string(h) {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

func (h Hash) String() string { return string(h) }

// HashHex returns the lowercase hex sha256 digest of the concatenated
// parts, joined by a NUL separator so that e.g. ("ab","c") and ("a","bc")
// never collide.
func HashHex(parts ...string) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// ObjectFormat is the closed set of fragment encodings.
type ObjectFormat string

const (
	FormatBase  ObjectFormat = "BASE"
	FormatPatch ObjectFormat = "PATCH"
)

// ProvenanceType is the closed set of ways an image came to exist.
type ProvenanceType string

const (
	ProvenanceCommit ProvenanceType = "COMMIT"
	ProvenanceImport ProvenanceType = "IMPORT"
	ProvenanceSQL    ProvenanceType = "SQL"
	ProvenanceMount  ProvenanceType = "MOUNT"
	ProvenanceSync   ProvenanceType = "SYNC"
)

// HandlerType is the closed set of external object payload handlers.
type HandlerType string

const (
	HandlerDB HandlerType = "DB"
	HandlerS3 HandlerType = "S3"
)

// RepoRef identifies a repository by namespace and name.
type RepoRef struct {
	Namespace  string
	Repository string
}

// Schema returns the working-schema name for this repository.
func (r RepoRef) Schema() string {
	if r.Namespace == "" {
		return r.Repository
	}
	return r.Namespace + "/" + r.Repository
}

func (r RepoRef) String() string { return r.Schema() }

// ParseRepoRef splits a "namespace/repository" or bare "repository" schema
// string back into its parts.
func ParseRepoRef(schema string) RepoRef {
	if i := strings.LastIndex(schema, "/"); i >= 0 {
		return RepoRef{Namespace: schema[:i], Repository: schema[i+1:]}
	}
	return RepoRef{Repository: schema}
}

// Image is an immutable commit.
type Image struct {
	Namespace      string
	Repository     string
	ImageHash      Hash
	ParentID       *Hash
	Created        time.Time
	Comment        string
	ProvenanceType ProvenanceType
	ProvenanceData []byte // opaque JSON
}

// IsRoot reports whether this is the distinguished zero image.
func (img *Image) IsRoot() bool { return img != nil && img.ImageHash == ZeroHash }

// Column describes one column of a table schema.
type Column struct {
	Name    string
	PGType  string
	IsPK    bool
	Ordinal int
}

// TableSchema is the ordered column list of a table.
type TableSchema []Column

// PKColumns returns the subset of columns that form the primary key, in
// declared order.
func (s TableSchema) PKColumns() []Column {
	var out []Column
	for _, c := range s {
		if c.IsPK {
			out = append(out, c)
		}
	}
	return out
}

// Equal reports whether two schemas have identical column definitions in
// the same order — used to detect the schema-change case in the commit
// engine (spec.md §4.6 step 4).
func (s TableSchema) Equal(o TableSchema) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// TableDescriptor maps (image, table) to its schema and fragment chain.
type TableDescriptor struct {
	ImageHash  Hash
	TableName  string
	Schema     TableSchema
	ObjectIDs  []Hash
}

// ColumnIndex holds the min/max bound of one indexed column within a
// fragment, used for PK-range pruning and secondary-index pushdown.
type ColumnIndex struct {
	Column string
	Min    string
	Max    string
}

// ObjectIndex is the set of bounds carried by a fragment.
type ObjectIndex struct {
	PK        []ColumnIndex
	Secondary []ColumnIndex
}

// PKRange returns the inclusive [min,max] bound of the leading PK column,
// which is sufficient for the disjoint-chunk-range reasoning the Fragment
// Manager and Materializer need (spec.md assumes chunk boundaries are
// defined by an ordered scan of the PK tuple).
func (idx ObjectIndex) PKRange() (min, max string, ok bool) {
	if len(idx.PK) == 0 {
		return "", "", false
	}
	return idx.PK[0].Min, idx.PK[0].Max, true
}

// Object is an immutable content-addressed fragment.
type Object struct {
	ObjectID        Hash
	Format          ObjectFormat
	ParentObjectIDs []Hash
	Namespace       string
	Index           ObjectIndex
}

// ObjectLocation records an external location for an object's payload.
type ObjectLocation struct {
	ObjectID Hash
	Protocol string
	URL      string
}

// Tag maps a human name to an image within a repository.
type Tag struct {
	Namespace  string
	Repository string
	Tag        string
	ImageHash  Hash
}

// Upstream is the optional per-repository remote pointer.
type Upstream struct {
	Namespace        string
	Repository       string
	RemoteName       string
	RemoteNamespace  string
	RemoteRepository string
}

// ChangeKind is the closed set of row-level pending change kinds.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// PendingChange is one captured row-level mutation in a working schema.
type PendingChange struct {
	PKValues []string
	Kind     ChangeKind
	NewRow   map[string]any // nil for deletes
}

// ChangeAggregate summarizes pending changes for diff/audit aggregate APIs.
type ChangeAggregate struct {
	Added   int
	Removed int
	Updated int
}

// Row is a single materialized row keyed by column name.
type Row map[string]any

// PKOf extracts the primary key tuple of a row given a schema, encoded as a
// stable string for use as a map key.
func PKOf(schema TableSchema, row Row) string {
	var b strings.Builder
	for _, c := range schema.PKColumns() {
		fmt.Fprintf(&b, "%v\x00", row[c.Name])
	}
	return b.String()
}
