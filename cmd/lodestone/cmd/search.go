package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/index"
	"github.com/lodestone-search/lodestone/internal/store"
)

// searchResult is the JSON shape for one search hit.
type searchResult struct {
	Rank         int     `json:"rank"`
	DocID        string  `json:"doc_id"`
	NodeID       string  `json:"node_id"`
	ChunkIndex   int     `json:"chunk_index"`
	Score        float64 `json:"score"`
	VectorScore  float64 `json:"vector_score"`
	KeywordScore float64 `json:"keyword_score"`
	InBoth       bool    `json:"in_both"`
	Snippet      string  `json:"snippet,omitempty"`
}

// newSearchCmd creates the search command.
func newSearchCmd() *cobra.Command {
	var (
		limit         int
		vectorWeight  float64
		keywordWeight float64
		mode          string
	)

	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Search the indexed documents",
		Long: `Search runs a hybrid query: vector similarity and keyword matching are
fused into one ranked list. Use --mode to query a single backend.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd, query, limit, vectorWeight, keywordWeight, mode)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum results (default from config)")
	cmd.Flags().Float64Var(&vectorWeight, "vector-weight", 0, "Vector score weight")
	cmd.Flags().Float64Var(&keywordWeight, "keyword-weight", 0, "Keyword score weight")
	cmd.Flags().StringVar(&mode, "mode", "hybrid", "Search mode: hybrid, vector, or keyword")
	return cmd
}

func runSearch(cmd *cobra.Command, query string, limit int, vectorWeight, keywordWeight float64, mode string) error {
	out := newWriter(cmd)

	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	if limit <= 0 {
		limit = app.Config.Search.MaxResults
	}

	var results []*index.FusedNode
	switch mode {
	case "hybrid":
		opts := index.SearchOptions{
			K:             limit,
			VectorWeight:  vectorWeight,
			KeywordWeight: keywordWeight,
		}
		if vectorWeight == 0 && keywordWeight == 0 {
			opts.VectorWeight = app.Config.Search.VectorWeight
			opts.KeywordWeight = app.Config.Search.KeywordWeight
		}
		results, err = app.Orchestrator.Query(ctx, query, opts)
	case "vector":
		results, err = singleBackend(ctx, app, query, limit, mode)
	case "keyword":
		results, err = singleBackend(ctx, app, query, limit, mode)
	default:
		return fmt.Errorf("unknown search mode %q (want hybrid, vector, or keyword)", mode)
	}
	if err != nil {
		return err
	}

	if out.JSONMode() {
		hits := make([]searchResult, 0, len(results))
		for i, node := range results {
			hits = append(hits, searchResult{
				Rank:         i + 1,
				DocID:        node.DocID,
				NodeID:       node.NodeID,
				ChunkIndex:   node.ChunkIndex,
				Score:        node.Score,
				VectorScore:  node.VectorScore,
				KeywordScore: node.KeywordScore,
				InBoth:       node.InBoth,
				Snippet:      snippet(node.Content, 200),
			})
		}
		return out.Emit(map[string]any{"query": query, "results": hits})
	}

	if len(results) == 0 {
		out.Warning("no results")
		return nil
	}

	for i, node := range results {
		out.Statusf(fmt.Sprintf("%d.", i+1), "%s#%d  score %.4f", node.DocID, node.ChunkIndex, node.Score)
		if s := snippet(node.Content, 160); s != "" {
			out.Status(" ", s)
		}
	}
	return nil
}

func singleBackend(ctx context.Context, app *App, query string, limit int, mode string) ([]*index.FusedNode, error) {
	var (
		nodes []*store.ScoredNode
		err   error
	)
	if mode == "vector" {
		nodes, err = app.Manager.SearchVector(ctx, query, limit)
	} else {
		nodes, err = app.Manager.SearchKeyword(ctx, query, limit)
	}
	if err != nil {
		return nil, err
	}

	fused := make([]*index.FusedNode, 0, len(nodes))
	for _, n := range nodes {
		fn := &index.FusedNode{
			NodeID:     n.NodeID,
			DocID:      n.DocID,
			ChunkIndex: n.ChunkIndex,
			Content:    n.Content,
			Score:      n.Score,
		}
		if fn.DocID == "" {
			// Vector hits carry only the node ID; resolve through the
			// registry like hybrid search does.
			if entry, err := app.Registry.GetEntryByNodeID(ctx, n.NodeID, store.IndexVector); err == nil && entry != nil {
				fn.DocID = entry.DocID
				fn.ChunkIndex = entry.ChunkIndex
			}
		}
		fused = append(fused, fn)
	}
	return fused, nil
}

// snippet flattens content to one line and truncates it.
func snippet(content string, max int) string {
	s := strings.Join(strings.Fields(content), " ")
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
