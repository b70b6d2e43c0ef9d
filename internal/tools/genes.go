package tools

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Gene annotation column names, as exported from Ensembl BioMart.
const (
	colGeneID    = "Gene stable ID"
	colGeneName  = "Gene name"
	colChromName = "Chromosome/scaffold name"
	colGeneStart = "Gene start (bp)"
	colGeneEnd   = "Gene end (bp)"
)

// Gene is one row of the gene annotation table.
type Gene struct {
	ID     string
	Name   string
	Chrom  string
	Start  int64
	End    int64
	Fields []Field // every column, in file order
}

// Field is one annotation column value.
type Field struct {
	Key   string
	Value string
}

// Annotation indexes the gene annotation TSV by stable id and by name.
type Annotation struct {
	byID   map[string]*Gene
	byName map[string]*Gene
}

// LoadAnnotation reads a tab-separated Ensembl annotation file.
func LoadAnnotation(path string) (*Annotation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tools: open annotation: %w", err)
	}
	defer f.Close()
	return ParseAnnotation(f)
}

// ParseAnnotation reads annotation rows from r.
func ParseAnnotation(r io.Reader) (*Annotation, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("tools: read annotation header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, want := range []string{colGeneID, colGeneName} {
		if _, ok := idx[want]; !ok {
			return nil, fmt.Errorf("tools: annotation missing column %q", want)
		}
	}
	get := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	a := &Annotation{byID: map[string]*Gene{}, byName: map[string]*Gene{}}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tools: read annotation: %w", err)
		}
		g := &Gene{
			ID:    get(rec, colGeneID),
			Name:  get(rec, colGeneName),
			Chrom: get(rec, colChromName),
		}
		g.Start, _ = strconv.ParseInt(get(rec, colGeneStart), 10, 64)
		g.End, _ = strconv.ParseInt(get(rec, colGeneEnd), 10, 64)
		for i, h := range header {
			v := ""
			if i < len(rec) {
				v = rec[i]
			}
			g.Fields = append(g.Fields, Field{Key: h, Value: v})
		}
		if g.ID == "" {
			continue
		}
		if _, dup := a.byID[g.ID]; !dup {
			a.byID[g.ID] = g
		}
		if g.Name != "" {
			if _, dup := a.byName[g.Name]; !dup {
				a.byName[g.Name] = g
			}
		}
	}
	return a, nil
}

// ByID returns the gene with the given stable id.
func (a *Annotation) ByID(id string) (*Gene, bool) {
	g, ok := a.byID[id]
	return g, ok
}

// ByName returns the first gene carrying the given name.
func (a *Annotation) ByName(name string) (*Gene, bool) {
	g, ok := a.byName[name]
	return g, ok
}

// ConvertGeneTool resolves a gene name to its Ensembl stable id.
func ConvertGeneTool(a *Annotation) Tool {
	return New("convert_gene_name_to_accession",
		"Convert a gene name to its corresponding GENCODE accession aka Ensembl Gene stable ID (e.g. from NSD2 to ENSG00000109685). Returns an error message if the gene name is not found or if it is not a gene name.",
		object(map[string]map[string]any{"gene_name": prop("string", "Gene name, e.g. NSD2")}),
		func(_ context.Context, input string) (string, error) {
			var args struct {
				GeneName string `json:"gene_name"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			if strings.HasPrefix(args.GeneName, "ENSG") {
				return fmt.Sprintf("Error: '%s' appears to be a Gene stable ID.", args.GeneName), nil
			}
			g, ok := a.ByName(args.GeneName)
			if !ok {
				return fmt.Sprintf("Error: '%s' not a valid Gene name in the database. Try again with uppercase or without spaces or hyphens.", args.GeneName), nil
			}
			return g.ID, nil
		})
}

// GeneMetadataTool returns every annotation column for a stable id.
func GeneMetadataTool(a *Annotation) Tool {
	return New("get_gene_metadata",
		"Retrieve the metadata for a given GENCODE accession aka Ensembl Gene stable ID (e.g. ENSG00000109685). Returns an error message if the gene ID is not found or invalid. The fields returned are: Chromosome/scaffold name, Gene start (bp), Gene end (bp), Strand, Gene description, Gene name, Gene type",
		object(map[string]map[string]any{"gene_id": prop("string", "Ensembl Gene stable ID, e.g. ENSG00000109685")}),
		func(_ context.Context, input string) (string, error) {
			var args struct {
				GeneID string `json:"gene_id"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			if !strings.HasPrefix(args.GeneID, "ENSG") {
				return fmt.Sprintf("Error: '%s' does not appear to be a valid Gene stable ID.", args.GeneID), nil
			}
			g, ok := a.ByID(args.GeneID)
			if !ok {
				return fmt.Sprintf("Error: '%s' not found in the gene annotation database.", args.GeneID), nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Gene Metadata for %s:", args.GeneID)
			for _, f := range g.Fields {
				fmt.Fprintf(&b, "\n%s: %s", f.Key, f.Value)
			}
			return b.String(), nil
		})
}
