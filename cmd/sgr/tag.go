package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trase/splitgraph/internal/sgtypes"
)

var tagCmd = &cobra.Command{
	Use:   "tag <repository> <image-hash> <tag-name>",
	Short: "Point a tag at an image",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := parseRepoArg(args[0])
		if err := eng.images.Tag(rootCtx, repo, sgtypes.Hash(args[1]), args[2]); err != nil {
			return err
		}
		fmt.Printf("Tagged %s as %s\n", args[1], args[2])
		return nil
	},
}
