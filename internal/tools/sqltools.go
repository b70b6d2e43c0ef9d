package tools

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// trialRowLimit caps the rows rendered by query_sql_database.
const trialRowLimit = 20

var limitClause = regexp.MustCompile(`(?i)LIMIT\s+\d+`)

// Querier is the read side of *sql.DB.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Research is the clinical/genomic database the SQL tools read.
type Research struct {
	DB      Querier
	Dialect string // "postgres", "mysql" or "sqlite"
}

// rebind rewrites ? placeholders to $n for postgres.
func (r Research) rebind(query string) string {
	if r.Dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// Artifacts locates the directories tools write files into. Paths handed to
// the model are relative to the server root so the web boundary can serve
// them.
type Artifacts struct {
	ResultDir string
	GraphDir  string
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewResultPath returns a fresh result/<prefix>_<8 hex>.<ext> path.
func (a Artifacts) NewResultPath(prefix, ext string) string {
	return filepath.Join(a.ResultDir, fmt.Sprintf("%s_%s.%s", prefix, shortID(), ext))
}

// NewGraphPath returns a fresh graph/graph_<8 hex>.png path.
func (a Artifacts) NewGraphPath() string {
	return filepath.Join(a.GraphDir, fmt.Sprintf("graph_%s.png", shortID()))
}

// table is a fully materialized query result.
type table struct {
	Columns []string
	Rows    [][]string
}

// queryTable runs query and materializes at most limit rows (0 for all).
func queryTable(ctx context.Context, q Querier, limit int, query string, args ...any) (*table, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	t := &table{Columns: cols}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if limit > 0 && len(t.Rows) >= limit {
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make([]string, len(cols))
		for i, v := range vals {
			rec[i] = formatValue(v)
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, rows.Err()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// writeCSV writes t to path, creating parent directories.
func writeCSV(path string, t *table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(t.Columns); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// render formats t as a pipe-separated text table.
func render(t *table) string {
	var b strings.Builder
	b.WriteString(strings.Join(t.Columns, " | "))
	for _, r := range t.Rows {
		b.WriteString("\n")
		b.WriteString(strings.Join(r, " | "))
	}
	return b.String()
}

// QuerySQLTool runs a trial query and returns at most 20 rows as text.
func QuerySQLTool(r Research) Tool {
	return New("query_sql_database",
		fmt.Sprintf("Execute a %s SQL query against the research database and return at most %d rows as text. Use it to try a query before running it in full. If the query is not correct, an error message is returned; rewrite the query and try again.", r.Dialect, trialRowLimit),
		object(map[string]map[string]any{"query": prop("string", "A syntactically correct SQL query")}),
		func(ctx context.Context, input string) (string, error) {
			var args struct {
				Query string `json:"query"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Query) == "" {
				return "", fmt.Errorf("query is required")
			}
			t, err := queryTable(ctx, r.DB, trialRowLimit, args.Query)
			if err != nil {
				return "", fmt.Errorf("query failed: %w", err)
			}
			if len(t.Rows) == 0 {
				return "Query returned no rows.", nil
			}
			return render(t), nil
		})
}

// ExecuteFullSQLTool runs a query without its trial LIMIT and saves the
// result as CSV.
func ExecuteFullSQLTool(r Research, a Artifacts) Tool {
	return New("execute_full_sql_query",
		"Executes the full SQL query without the trial-run LIMIT clause and saves the results to disk. Useful for downstream analysis for visualization etc.",
		object(map[string]map[string]any{"query": prop("string", "The SQL query to run in full")}),
		func(ctx context.Context, input string) (string, error) {
			var args struct {
				Query string `json:"query"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			query := limitClause.ReplaceAllString(args.Query, "")
			t, err := queryTable(ctx, r.DB, 0, query)
			if err != nil {
				return "", fmt.Errorf("query failed: %w", err)
			}
			if len(t.Rows) == 0 {
				return "Query returned no results. No output file created.", nil
			}
			path := a.NewResultPath("result", "csv")
			if err := writeCSV(path, t); err != nil {
				return "", fmt.Errorf("write %s: %w", path, err)
			}
			return fmt.Sprintf("Query results saved to output file %s.", filepath.ToSlash(path)), nil
		})
}
