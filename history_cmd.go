package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alimasry/go-collab-history/config"
)

func newHistoryCmd(load func() (config.Config, error)) *cobra.Command {
	var fromSeq int

	cmd := &cobra.Command{
		Use:   "history [docID]",
		Short: "List archived documents, or print one document's history entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			archive, closeArchive, err := openArchive(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer closeArchive()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				ids, err := archive.ListDocuments(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			}

			entries, err := archive.GetEntries(cmd.Context(), args[0], fromSeq)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	}
	cmd.Flags().IntVar(&fromSeq, "from", 0, "first entry to print")
	return cmd
}
