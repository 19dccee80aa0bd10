package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trase/splitgraph/internal/sgerrors"
	"github.com/trase/splitgraph/internal/sgtypes"
)

// dropWorkingTable drops a pre-existing working table (and its trigger)
// before re-materializing, so repeated checkout of the same repository
// against a different image always starts clean.
func dropWorkingTable(repo sgtypes.RepoRef, tableName string) error {
	if err := eng.audit.RemoveAuditTriggers(rootCtx, repo, tableName); err != nil {
		return err
	}
	_, err := eng.store.Pool().Exec(rootCtx, fmt.Sprintf("DROP TABLE IF EXISTS %q.%q", repo.Schema(), tableName))
	return err
}

var checkoutForce bool

var checkoutCmd = &cobra.Command{
	Use:   "checkout <repository> <image-or-tag>",
	Short: "Materialize an image's tables into the working schema",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := parseRepoArg(args[0])

		if !checkoutForce {
			changed, err := eng.audit.GetChangedTables(rootCtx, repo)
			if err != nil {
				return err
			}
			if len(changed) > 0 {
				return sgerrors.CheckoutConflictf("working schema has pending changes in %v, use --force to discard", changed)
			}
		}

		img, err := resolveImage(repo, sgtypes.Hash(args[1]))
		if err != nil {
			return err
		}

		tables, err := eng.images.GetTables(rootCtx, repo, img.ImageHash)
		if err != nil {
			return err
		}
		for _, desc := range tables {
			if err := dropWorkingTable(repo, desc.TableName); err != nil {
				return err
			}
			if err := eng.mat.Materialize(rootCtx, desc, repo.Schema(), desc.TableName); err != nil {
				return err
			}
			if err := eng.audit.ManageAuditTriggers(rootCtx, repo, desc.TableName, pkNames(desc.Schema)); err != nil {
				return err
			}
		}
		if err := eng.images.Tag(rootCtx, repo, img.ImageHash, sgtypes.HeadTag); err != nil {
			return err
		}
		fmt.Printf("Checked out %s at %s\n", repo, img.ImageHash)
		return nil
	},
}

func init() {
	checkoutCmd.Flags().BoolVar(&checkoutForce, "force", false, "discard pending changes")
}

// resolveImage accepts either a full image hash or a tag name.
func resolveImage(repo sgtypes.RepoRef, ref sgtypes.Hash) (*sgtypes.Image, error) {
	if img, err := eng.images.ByHash(rootCtx, repo, ref); err == nil {
		return img, nil
	}
	return eng.images.ByTag(rootCtx, repo, string(ref), true)
}

func pkNames(schema sgtypes.TableSchema) []string {
	var out []string
	for _, c := range schema.PKColumns() {
		out = append(out, c.Name)
	}
	return out
}
