package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var publishReadme string

var publishCmd = &cobra.Command{
	Use:   "publish <repository> <tag>",
	Short: "Attach a readme to a tagged image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := parseRepoArg(args[0])
		if err := eng.images.Publish(rootCtx, repo, args[1], publishReadme); err != nil {
			return err
		}
		fmt.Printf("Published %s:%s\n", repo, args[1])
		return nil
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishReadme, "readme", "", "readme text")
}
