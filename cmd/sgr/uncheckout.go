package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trase/splitgraph/internal/sgerrors"
)

var uncheckoutForce bool

var uncheckoutCmd = &cobra.Command{
	Use:   "uncheckout <repository>",
	Short: "Drop the working schema's tables, leaving only HEAD tracked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := parseRepoArg(args[0])

		if !uncheckoutForce {
			changed, err := eng.audit.GetChangedTables(rootCtx, repo)
			if err != nil {
				return err
			}
			if len(changed) > 0 {
				return sgerrors.CheckoutConflictf("working schema has pending changes in %v, use --force to discard", changed)
			}
		}

		head, err := eng.images.ByTag(rootCtx, repo, "HEAD", true)
		if err != nil {
			return err
		}
		tables, err := eng.images.GetTables(rootCtx, repo, head.ImageHash)
		if err != nil {
			return err
		}
		for _, desc := range tables {
			if err := dropWorkingTable(repo, desc.TableName); err != nil {
				return err
			}
		}
		fmt.Printf("Uncheckedout %s\n", repo)
		return nil
	},
}

func init() {
	uncheckoutCmd.Flags().BoolVar(&uncheckoutForce, "force", false, "discard pending changes")
}
