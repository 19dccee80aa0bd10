package export

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/trase/splitgraph/internal/sgtypes"
)

// sqlString quotes and escapes a string for use as a SQL literal.
func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// sqlBytes renders a JSONB column's bytes as a cast string literal, or
// NULL for an absent value.
func sqlBytes(b []byte) string {
	if len(b) == 0 {
		return "NULL"
	}
	return sqlString(string(b)) + "::jsonb"
}

func sqlIndex(idx sgtypes.ObjectIndex) string {
	b, err := json.Marshal(idx)
	if err != nil {
		return "'{}'::jsonb"
	}
	return sqlBytes(b)
}

func sqlTimestamp(t time.Time) string {
	return sqlString(t.UTC().Format(time.RFC3339Nano)) + "::timestamptz"
}

func sqlBool(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

func sqlHashList(ids []sgtypes.Hash) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = sqlString(string(id))
	}
	return joinComma(parts)
}

func sqlHashArray(ids []sgtypes.Hash) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = string(id)
	}
	return sqlStringArray(strs)
}

func sqlStringArray(strs []string) string {
	parts := make([]string, len(strs))
	for i, s := range strs {
		parts[i] = sqlString(s)
	}
	return "ARRAY[" + joinComma(parts) + "]::text[]"
}

// sqlLiteral renders an arbitrary payload column value as a SQL literal.
func sqlLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case bool:
		return sqlBool(x)
	case []byte:
		return sqlString(string(x))
	case time.Time:
		return sqlTimestamp(x)
	case string:
		return sqlString(x)
	default:
		return sqlString(fmt.Sprintf("%v", x))
	}
}

func joinComma(items []string) string {
	return strings.Join(items, ", ")
}
