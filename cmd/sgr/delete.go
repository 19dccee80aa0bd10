package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <repository> <tag-name>",
	Short: "Delete a tag (HEAD cannot be deleted)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := parseRepoArg(args[0])
		if err := eng.images.DeleteTag(rootCtx, repo, args[1]); err != nil {
			return err
		}
		fmt.Printf("Deleted tag %s on %s\n", args[1], repo)
		return nil
	},
}
