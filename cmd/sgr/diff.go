package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trase/splitgraph/internal/sgtypes"
)

var diffAggregate bool

var diffCmd = &cobra.Command{
	Use:   "diff <repository> <table> <image-a> [image-b]",
	Short: "Compare a table between two images, or an image and staging",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := parseRepoArg(args[0])
		table := args[1]
		imageA := sgtypes.Hash(args[2])
		var imageB sgtypes.Hash
		if len(args) == 4 {
			imageB = sgtypes.Hash(args[3])
		}

		result, err := eng.diff.Diff(rootCtx, repo, table, imageA, imageB, diffAggregate)
		if err != nil {
			return err
		}
		switch {
		case result.AddedTable:
			fmt.Println("table added")
		case result.RemovedTable:
			fmt.Println("table removed")
		case result.NoDiff:
			fmt.Println("no diff")
		case diffAggregate:
			fmt.Printf("added=%d removed=%d updated=%d\n", result.Aggregate.Added, result.Aggregate.Removed, result.Aggregate.Updated)
		default:
			for _, d := range result.Rows {
				fmt.Printf("%v %v\n", d.Added, d.Row)
			}
		}
		return nil
	},
}

func init() {
	diffCmd.Flags().BoolVar(&diffAggregate, "aggregate", false, "return (added, removed, updated) counts instead of rows")
}
