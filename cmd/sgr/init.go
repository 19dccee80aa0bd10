package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init <repository>",
	Short: "Initialize a repository's root image and HEAD",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := parseRepoArg(args[0])
		if err := eng.images.Init(rootCtx, repo); err != nil {
			return err
		}
		fmt.Printf("Initialized %s\n", repo)
		return nil
	},
}
