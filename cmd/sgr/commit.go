package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trase/splitgraph/internal/commit"
	"github.com/trase/splitgraph/internal/sgtypes"
)

var (
	commitImageHash     string
	commitComment       string
	commitSnapOnly      bool
	commitChunkSize     int
	commitSplitChangeset bool
)

var commitCmd = &cobra.Command{
	Use:   "commit <repository>",
	Short: "Snapshot the working schema into a new image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := parseRepoArg(args[0])
		opts := commit.Options{
			Comment:        commitComment,
			SnapOnly:       commitSnapOnly,
			ChunkSize:      commitChunkSize,
			SplitChangeset: commitSplitChangeset,
		}
		if commitImageHash != "" {
			opts.ImageHash = sgtypes.Hash(commitImageHash)
		}
		img, err := eng.commit.Commit(rootCtx, repo, opts)
		if err != nil {
			return err
		}
		fmt.Println(img.ImageHash)
		return nil
	},
}

func init() {
	commitCmd.Flags().StringVar(&commitImageHash, "image-hash", "", "explicit image hash (default: random)")
	commitCmd.Flags().StringVar(&commitComment, "comment", "", "commit message")
	commitCmd.Flags().BoolVar(&commitSnapOnly, "snap-only", false, "always record tables as BASE snapshots")
	commitCmd.Flags().IntVar(&commitChunkSize, "chunk-size", 0, "BASE chunk size (default: engine default_chunk_size)")
	commitCmd.Flags().BoolVar(&commitSplitChangeset, "split-changeset", false, "partition PATCH objects along existing chunk boundaries")
}
