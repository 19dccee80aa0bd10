package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trase/splitgraph/internal/commit"
	"github.com/trase/splitgraph/internal/sgerrors"
	"github.com/trase/splitgraph/internal/sgtypes"
)

var (
	importTables        string
	importSourceRepo    string
	importSourceTables  string
	importImageHash     string
	importForeignTables bool
	importDoCheckout    bool
	importTableQueries  string
)

var importCmd = &cobra.Command{
	Use:   "import <target-repository>",
	Short: "Import tables from another repository's image into this one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := parseRepoArg(args[0])
		tables := splitCSV(importTables)
		sourceTables := splitCSV(importSourceTables)
		if len(tables) == 0 || len(sourceTables) == 0 {
			return sgerrors.InvalidArgumentf("--tables and --source-tables are required")
		}
		if len(tables) != len(sourceTables) {
			return sgerrors.InvalidArgumentf("--tables and --source-tables must have equal length")
		}

		opts := commit.ImportOptions{
			Tables:        tables,
			SourceRepo:    parseRepoArg(importSourceRepo),
			SourceTables:  sourceTables,
			ForeignTables: importForeignTables,
			DoCheckout:    importDoCheckout,
		}
		if importImageHash != "" {
			opts.TargetHash = sgtypes.Hash(importImageHash)
		}
		if importTableQueries != "" {
			mask := splitCSV(importTableQueries)
			opts.TableQueries = make([]bool, len(mask))
			for i, m := range mask {
				opts.TableQueries[i] = m == "true"
			}
		}

		img, err := eng.commit.ImportTables(rootCtx, target, opts)
		if err != nil {
			return err
		}
		fmt.Println(img.ImageHash)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importTables, "tables", "", "comma-separated target table names")
	importCmd.Flags().StringVar(&importSourceRepo, "source-repo", "", "source repository (namespace/repository)")
	importCmd.Flags().StringVar(&importSourceTables, "source-tables", "", "comma-separated source table names or queries")
	importCmd.Flags().StringVar(&importImageHash, "image-hash", "", "explicit new image hash")
	importCmd.Flags().BoolVar(&importForeignTables, "foreign-tables", false, "copy from the source working schema instead of an image")
	importCmd.Flags().BoolVar(&importDoCheckout, "checkout", false, "materialize the imported tables and move HEAD")
	importCmd.Flags().StringVar(&importTableQueries, "table-queries", "", "comma-separated true/false mask: source_tables[i] is a SQL query")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
