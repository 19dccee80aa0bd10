package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trase/splitgraph/internal/sgtypes"
	"github.com/trase/splitgraph/internal/syncengine"
)

var (
	pushRemote     string
	pushRemoteRepo string
	pushHandler    string
)

var pushCmd = &cobra.Command{
	Use:   "push <repository>",
	Short: "Push local images and objects to a remote",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := parseRepoArg(args[0])
		remoteName := pushRemote
		if remoteName == "" {
			remoteName = defaultRemoteName(rootCtx, repo)
		}
		remoteRepo := repo
		if pushRemoteRepo != "" {
			remoteRepo = sgtypes.ParseRepoRef(pushRemoteRepo)
		}

		remote, closeRemote, err := openRemote(rootCtx, remoteName)
		if err != nil {
			return err
		}
		defer closeRemote()

		opts := syncengine.Options{Handler: sgtypes.HandlerType(pushHandler)}
		setUpstream := func(ctx context.Context, r sgtypes.RepoRef) error {
			return eng.store.SetUpstream(ctx, r, remoteName, remoteRepo)
		}
		if err := eng.sync.Push(rootCtx, repo, localEndpoint(), remote, opts, setUpstream); err != nil {
			return err
		}
		fmt.Printf("Pushed %s to %s\n", repo, remoteName)
		return nil
	},
}

func init() {
	pushCmd.Flags().StringVar(&pushRemote, "remote", "", "remote name (default: configured upstream or \"origin\")")
	pushCmd.Flags().StringVar(&pushRemoteRepo, "remote-repo", "", "remote-side repository reference, if it differs from the local one")
	pushCmd.Flags().StringVar(&pushHandler, "handler", "DB", "object handler (DB, S3, ...)")
}
