// Command btm is the operator tool of the transaction manager: it inspects
// the decision journal offline, listing raw records and the decisions still
// awaiting their terminal status.
package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/codehaus/btm/config"
	"github.com/codehaus/btm/core/journal"
	"github.com/codehaus/btm/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "btm",
		Short:        "Transaction manager operator tool",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file")

	root.AddCommand(newJournalCmd(&configPath))
	return root
}

func newJournalCmd(configPath *string) *cobra.Command {
	var skipCorrupted bool

	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the transaction journal",
	}
	journalCmd.PersistentFlags().BoolVar(&skipCorrupted, "skip-corrupted", false, "skip corrupted records instead of failing")

	dump := &cobra.Command{
		Use:   "dump [file...]",
		Short: "List every record of the journal files",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := loadRecords(*configPath, args, skipCorrupted)
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  seq=%-6d %-15s gtrid=%s names=%v\n",
					time.UnixMilli(rec.Timestamp).Format(time.RFC3339),
					rec.Sequence, rec.Status, rec.Gtrid, rec.UniqueNames)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d record(s)\n", len(records))
			return nil
		},
	}

	dangling := &cobra.Command{
		Use:   "dangling [file...]",
		Short: "List decisions with no terminal record yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := loadRecords(*configPath, args, skipCorrupted)
			if err != nil {
				return err
			}
			entries := journal.CollectDangling(records)
			gtrids := make([]string, 0, len(entries))
			for gtrid := range entries {
				gtrids = append(gtrids, gtrid)
			}
			sort.Strings(gtrids)
			for _, gtrid := range gtrids {
				entry := entries[gtrid]
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-15s gtrid=%s names=%v\n",
					time.UnixMilli(entry.Timestamp).Format(time.RFC3339),
					entry.Status, gtrid, entry.UniqueNames)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d dangling decision(s)\n", len(entries))
			return nil
		},
	}

	journalCmd.AddCommand(dump, dangling)
	return journalCmd
}

// loadRecords reads the journal files named on the command line, falling
// back to the configured (or default) file pair.
func loadRecords(configPath string, args []string, skipCorrupted bool) ([]*journal.Record, error) {
	paths := args
	if len(paths) == 0 {
		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.LoadFile(configPath)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		}
		paths = []string{cfg.LogPart1Filename, cfg.LogPart2Filename}
	}

	log, err := logger.New(logger.Config{Level: "warn", Format: "console", OutputFile: "stderr"})
	if err != nil {
		return nil, err
	}

	var records []*journal.Record
	for _, path := range paths {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			continue
		}
		recs, err := journal.ReadFile(path, skipCorrupted, log)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	sort.Slice(records, func(a, b int) bool {
		if records[a].Timestamp != records[b].Timestamp {
			return records[a].Timestamp < records[b].Timestamp
		}
		return records[a].Sequence < records[b].Sequence
	})
	return records, nil
}
