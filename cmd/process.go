package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/chartparse/internal/cascade"
	"github.com/sells-group/chartparse/internal/chunk"
	"github.com/sells-group/chartparse/internal/inference"
	"github.com/sells-group/chartparse/internal/locate"
	"github.com/sells-group/chartparse/internal/model"
	"github.com/sells-group/chartparse/internal/ocr"
	"github.com/sells-group/chartparse/internal/reconcile"
	"github.com/sells-group/chartparse/internal/registry"
	"github.com/sells-group/chartparse/internal/session"
	"github.com/sells-group/chartparse/pkg/anthropic"
)

var processCmd = &cobra.Command{
	Use:   "process <ocr-json-or-dir>...",
	Short: "Split OCR'd documents into encounters",
	Long:  "Runs each document through chunked extraction and reconciliation. Directory arguments expand to every .json file they contain.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.Anthropic.Key == "" {
			return eris.New("anthropic API key is required (CHARTPARSE_ANTHROPIC_KEY)")
		}

		docs, err := loadDocuments(args)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		reg, err := registry.Load(cfg.Registry.Path)
		if err != nil {
			return err
		}

		gateway := inference.NewGateway(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic)
		cascades := cascade.NewManager(st)
		resolver := locate.NewResolver(cfg.Locate)
		processor := chunk.NewProcessor(gateway, st, cascades, resolver, reg, cfg.Anthropic)
		reconciler := reconcile.NewReconciler(st, cascades)
		mgr := session.NewManager(st, processor, reconciler, cfg.Session)

		type docResult struct {
			Document string               `json:"document"`
			Result   *model.SessionResult `json:"result,omitempty"`
			Error    string               `json:"error,omitempty"`
		}
		results := make([]docResult, len(docs))
		var mu sync.Mutex

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.Session.MaxConcurrentDocuments)
		for i, doc := range docs {
			g.Go(func() error {
				res, err := mgr.Process(gctx, doc)
				mu.Lock()
				defer mu.Unlock()
				results[i] = docResult{Document: doc.Name, Result: res}
				if err != nil {
					// One bad document must not sink the batch.
					results[i].Error = err.Error()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DOCUMENT\tSESSION\tENTITIES\tABANDONED\tUNRESOLVED\tCOST\tSTATUS")
		for _, r := range results {
			if r.Error != "" {
				fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\tfailed: %s\n", r.Document, r.Error)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t$%.4f\tok\n",
				r.Document, r.Result.SessionID,
				len(r.Result.FinalEntityIDs), len(r.Result.AbandonedGroups),
				len(r.Result.UnresolvedCascades), r.Result.CostUSD)
		}
		return w.Flush()
	},
}

func loadDocuments(args []string) ([]*model.Document, error) {
	var docs []*model.Document
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "stat %s", arg)
		}
		if info.IsDir() {
			dirDocs, err := ocr.LoadDir(arg)
			if err != nil {
				return nil, err
			}
			docs = append(docs, dirDocs...)
			continue
		}
		doc, err := ocr.Load(arg)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func init() {
	processCmd.Flags().Bool("json", false, "emit results as JSON")
	rootCmd.AddCommand(processCmd)
}
