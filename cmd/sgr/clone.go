package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trase/splitgraph/internal/sgtypes"
)

var cloneDownloadAll bool

var cloneCmd = &cobra.Command{
	Use:   "clone <remote> <repository>",
	Short: "Clone a repository from a remote",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		remoteName := args[0]
		repo := parseRepoArg(args[1])

		remote, closeRemote, err := openRemote(rootCtx, remoteName)
		if err != nil {
			return err
		}
		defer closeRemote()

		setUpstream := func(ctx context.Context, r sgtypes.RepoRef) error {
			return eng.store.SetUpstream(ctx, r, remoteName, r)
		}
		if err := eng.sync.Clone(rootCtx, repo, localEndpoint(), remote, cloneDownloadAll, setUpstream); err != nil {
			return err
		}
		fmt.Printf("Cloned %s from %s\n", repo, remoteName)
		return nil
	},
}

func init() {
	cloneCmd.Flags().BoolVar(&cloneDownloadAll, "download-all", false, "download every object's payload instead of just locations")
}
