package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var entitiesCmd = &cobra.Command{
	Use:   "entities <session-id>",
	Short: "List the final entities of a completed session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		entities, err := st.ListFinalEntities(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "entities")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entities)
		}

		if len(entities) == 0 {
			fmt.Fprintln(os.Stderr, "No entities found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tDATE\tPAGES\tPROVIDER\tCONFIDENCE")
		for _, e := range entities {
			date := "-"
			if e.Data.StartDate != nil {
				date = e.Data.StartDate.ISO
				if e.Data.StartDate.Ambiguous {
					date += "?"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f\n",
				e.ID, e.Data.Type, date, formatRanges(e.PageRanges),
				e.Data.Provider, e.Data.Confidence)
		}
		return w.Flush()
	},
}

func init() {
	entitiesCmd.Flags().Bool("json", false, "emit entities as JSON")
	rootCmd.AddCommand(entitiesCmd)
}
