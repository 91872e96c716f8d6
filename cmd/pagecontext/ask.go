package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/service/rag"
)

func newAskCmd(g *globalFlags) *cobra.Command {
	var (
		req    rag.Request
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question from indexed content",
		Long: `Runs the full answer pipeline once: the question is rewritten for search,
retrieved with keyword and semantic search, fused, and answered by the
configured model. The call is recorded in the job ledger.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := g.open(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			req.Question = args[0]
			ans, err := app.Answer(ctx, req)
			if err != nil {
				return fmt.Errorf("answer failed: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), ans)
			}
			printAnswer(cmd.OutOrStdout(), ans)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ProviderType, "provider", "", "provider type, e.g. OpenAI, Gemini or Ollama")
	cmd.Flags().StringVar(&req.ModelID, "model", "", "model id, e.g. gpt-4o-mini")
	cmd.Flags().IntVarP(&req.TopK, "top-k", "k", 0, "documents retrieved per strategy")
	cmd.Flags().IntVar(&req.MaxContextTokens, "max-context-tokens", 0, "token budget for retrieved context")
	cmd.Flags().StringVar(&req.UserID, "user", "", "user id recorded in the ledger")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the answer as JSON")
	return cmd
}

func printAnswer(w io.Writer, ans model.Answer) {
	_, _ = fmt.Fprintln(w, ans.Text)
	if ans.ContextEmpty {
		_, _ = fmt.Fprintln(w, "\n(no indexed content matched; the answer is not grounded)")
	}
	if ans.Degraded {
		_, _ = fmt.Fprintln(w, "\n(one retrieval strategy was unavailable)")
	}
	if len(ans.Citations) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w, "\nSources:")
	for i, c := range ans.Citations {
		title := c.Title
		if title == "" {
			title = c.SourceType + ":" + c.SourceID
		}
		if c.URL != "" {
			_, _ = fmt.Fprintf(w, "  [%d] %s <%s>\n", i+1, title, c.URL)
		} else {
			_, _ = fmt.Fprintf(w, "  [%d] %s\n", i+1, title)
		}
	}
}

func newSearchCmd(g *globalFlags) *cobra.Command {
	var (
		topK   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search indexed content without generating an answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := g.open(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			hits, degraded, err := app.Search(ctx, args[0], topK)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			if asJSON {
				if hits == nil {
					hits = []model.RetrievalHit{}
				}
				return writeJSON(cmd.OutOrStdout(), model.SearchResponse{Hits: hits, Degraded: degraded})
			}
			printHits(cmd.OutOrStdout(), hits, degraded)
			return nil
		},
	}
	cmd.Flags().IntVarP(&topK, "limit", "n", 0, "maximum number of results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output results as JSON")
	return cmd
}

func printHits(w io.Writer, hits []model.RetrievalHit, degraded bool) {
	if len(hits) == 0 {
		_, _ = fmt.Fprintln(w, "No results found.")
		return
	}
	for i, h := range hits {
		title := h.Title
		if title == "" {
			title = h.SourceType + ":" + h.SourceID
		}
		_, _ = fmt.Fprintf(w, "[%d] %s (%.3f)\n", i+1, title, h.Score)
		if h.URL != "" {
			_, _ = fmt.Fprintf(w, "    %s\n", h.URL)
		}
	}
	if degraded {
		_, _ = fmt.Fprintln(w, "\n(one retrieval strategy was unavailable)")
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
