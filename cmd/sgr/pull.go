package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pullDownloadAll bool
var pullRemote string

var pullCmd = &cobra.Command{
	Use:   "pull <repository>",
	Short: "Pull new images and objects from the configured upstream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := parseRepoArg(args[0])
		remoteName := pullRemote
		if remoteName == "" {
			remoteName = defaultRemoteName(rootCtx, repo)
		}

		remote, closeRemote, err := openRemote(rootCtx, remoteName)
		if err != nil {
			return err
		}
		defer closeRemote()

		if err := eng.sync.Pull(rootCtx, repo, localEndpoint(), remote, pullDownloadAll); err != nil {
			return err
		}
		fmt.Printf("Pulled %s from %s\n", repo, remoteName)
		return nil
	},
}

func init() {
	pullCmd.Flags().StringVar(&pullRemote, "remote", "", "remote name (default: configured upstream or \"origin\")")
	pullCmd.Flags().BoolVar(&pullDownloadAll, "download-all", false, "download every object's payload instead of just locations")
}
