package tools

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// GraphPathTool hands out a fresh PNG path under the graph directory.
func GraphPathTool(a Artifacts) Tool {
	return New("generate_graph_filepath",
		"Generates a unique file path to save the plot image in PNG format.",
		nil,
		func(context.Context, string) (string, error) {
			return filepath.ToSlash(a.NewGraphPath()), nil
		})
}

// DisplayPlotTool wraps an existing image in the chat's image container.
func DisplayPlotTool() Tool {
	return New("display_plot_html",
		"Display the plot image saved at the given file path as HTML output. Arguments: file_path (str). If file path does not exist, an error message is returned. Thus, the plot must first be saved as file_path before this plot tool is called.",
		object(map[string]map[string]any{"file_path": prop("string", "Path of a saved PNG, e.g. graph/graph_1a2b3c4d.png")}),
		func(_ context.Context, input string) (string, error) {
			var args struct {
				FilePath string `json:"file_path"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			return displayPlotHTML(args.FilePath), nil
		})
}

func displayPlotHTML(path string) string {
	if _, err := os.Stat(path); err != nil {
		return fmt.Sprintf("Error: Path for PNG file %s does not exist. Rename the newly generated PNG to %s, or re-generate and save to %s.", path, path, path)
	}
	return fmt.Sprintf(`<div class=image-container><img src=%[1]s width=100%% height=auto><div class=links-container><a href=%[1]s download>Download</a><a href=%[1]s target=_blank rel=noopener noreferrer>New tab</a></div></div>`, path)
}

// PlotCSVTool draws two columns of a CSV file as a PNG.
func PlotCSVTool(a Artifacts) Tool {
	return New("plot_csv_columns",
		"Plot columns of a CSV file produced by another tool and save the chart as PNG. kind is one of scatter, line or histogram (histogram uses only x). Returns the saved PNG path, which can then be passed to display_plot_html.",
		object(map[string]map[string]any{
			"csv_path": prop("string", "Path of the CSV file, e.g. result/result_1a2b3c4d.csv"),
			"x":        prop("string", "Column for the x axis"),
			"y":        prop("string", "Column for the y axis"),
			"kind":     {"type": "string", "enum": []string{"scatter", "line", "histogram"}},
			"title":    prop("string", "Chart title"),
		}, "y", "kind", "title"),
		func(_ context.Context, input string) (string, error) {
			var args struct {
				CSVPath string `json:"csv_path"`
				X       string `json:"x"`
				Y       string `json:"y"`
				Kind    string `json:"kind"`
				Title   string `json:"title"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			if args.Kind == "" {
				args.Kind = "scatter"
			}
			out := a.NewGraphPath()
			if err := plotCSV(args.CSVPath, args.X, args.Y, args.Kind, args.Title, out); err != nil {
				return "", err
			}
			return fmt.Sprintf("Plot saved to %s", filepath.ToSlash(out)), nil
		})
}

func readColumns(path string, names ...string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	idx := make([]int, len(names))
	for i, n := range names {
		idx[i] = -1
		for j, h := range recs[0] {
			if h == n {
				idx[i] = j
			}
		}
		if idx[i] < 0 {
			return nil, fmt.Errorf("column %q not in %s (have %s)", n, path, strings.Join(recs[0], ", "))
		}
	}

	cols := make([][]float64, len(names))
	for _, rec := range recs[1:] {
		row := make([]float64, len(names))
		ok := true
		for i, j := range idx {
			if j >= len(rec) {
				ok = false
				break
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[j]), 64)
			if err != nil {
				ok = false
				break
			}
			row[i] = v
		}
		if !ok {
			continue
		}
		for i := range names {
			cols[i] = append(cols[i], row[i])
		}
	}
	if len(cols[0]) == 0 {
		return nil, fmt.Errorf("no numeric rows for %s in %s", strings.Join(names, ", "), path)
	}
	return cols, nil
}

func plotCSV(csvPath, x, y, kind, title, out string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = x

	switch kind {
	case "histogram":
		cols, err := readColumns(csvPath, x)
		if err != nil {
			return err
		}
		h, err := plotter.NewHist(plotter.Values(cols[0]), 20)
		if err != nil {
			return fmt.Errorf("histogram: %w", err)
		}
		p.Y.Label.Text = "count"
		p.Add(h)
	case "scatter", "line":
		if y == "" {
			return fmt.Errorf("y is required for %s plots", kind)
		}
		cols, err := readColumns(csvPath, x, y)
		if err != nil {
			return err
		}
		pts := make(plotter.XYs, len(cols[0]))
		for i := range pts {
			pts[i].X, pts[i].Y = cols[0][i], cols[1][i]
		}
		p.Y.Label.Text = y
		if kind == "line" {
			l, err := plotter.NewLine(pts)
			if err != nil {
				return fmt.Errorf("line: %w", err)
			}
			p.Add(l)
		} else {
			s, err := plotter.NewScatter(pts)
			if err != nil {
				return fmt.Errorf("scatter: %w", err)
			}
			p.Add(s)
		}
	default:
		return fmt.Errorf("unknown plot kind %q", kind)
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, out); err != nil {
		return fmt.Errorf("save %s: %w", out, err)
	}
	return nil
}
