package tools

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Searcher returns the k table descriptions most similar to query.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]string, error)
}

// DocumentSearchTool looks up table descriptions in the vector store.
func DocumentSearchTool(s Searcher, defaultK int) Tool {
	if defaultK < 1 {
		defaultK = 1
	}
	return New("document_search",
		"Returns the reference manual of top K tables most relevant to the query. The query should only involve one subject, such as survival data, gene expression data, or copy number data - do not mix multiple concepts at once.",
		object(map[string]map[string]any{
			"query": prop("string", "One subject to look up"),
			"k":     prop("integer", "Number of tables to return"),
		}, "k"),
		func(ctx context.Context, input string) (string, error) {
			var args struct {
				Query string `json:"query"`
				K     int    `json:"k"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			if args.K < 1 {
				args.K = defaultK
			}
			docs, err := s.Search(ctx, args.Query, args.K)
			if err != nil {
				return "", fmt.Errorf("search: %w", err)
			}
			if len(docs) == 0 {
				return "No tables with relevant fields found", nil
			}
			return fmt.Sprintf("The top %d table(s) with the best match:\n<div class=\"scrollable lightaccent codeblock\">%s</div>",
				len(docs), strings.Join(docs, "\n\n")), nil
		})
}

// CatalogOpts selects which tools Catalog registers. Tools whose backing
// resource is missing are left out.
type CatalogOpts struct {
	Annotation *Annotation
	Research   *Research
	Searcher   Searcher
	TopK       int
	Artifacts  Artifacts
	CoxOS      string
	CoxPFS     string
	MAD        string
	Logger     *zap.Logger
}

// Catalog builds the registry of myeloma research tools.
func Catalog(opts CatalogOpts) (*Registry, error) {
	ts := []Tool{
		GraphPathTool(opts.Artifacts),
		DisplayPlotTool(),
		PlotCSVTool(opts.Artifacts),
		CoxStatsTool(opts.CoxOS, opts.CoxPFS),
		MADTool(opts.MAD),
	}
	if opts.Annotation != nil {
		ts = append(ts, ConvertGeneTool(opts.Annotation), GeneMetadataTool(opts.Annotation))
	}
	if opts.Research != nil {
		ts = append(ts,
			QuerySQLTool(*opts.Research),
			ExecuteFullSQLTool(*opts.Research, opts.Artifacts),
			CoxBaseDataTool(*opts.Research, opts.Artifacts))
		if opts.Annotation != nil {
			ts = append(ts, CopyNumberTool(*opts.Research, opts.Annotation, opts.Artifacts))
		}
	}
	if opts.Searcher != nil {
		ts = append(ts, DocumentSearchTool(opts.Searcher, opts.TopK))
	}
	return NewRegistry(opts.Logger, ts...)
}
