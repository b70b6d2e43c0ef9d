package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var publicIDPattern = regexp.MustCompile(`(MMRF_[0-9]+)_`)

// segment is one GATK copy-number segment overlapping a gene.
type segment struct {
	sample     string
	chromosome string
	start, end int64
	numProbes  int64
	mean       string
	visit      string
	status     string
	overlap    int64
}

// overlapLen returns the number of bases shared by [s, e] and [gs, ge], or 0.
func overlapLen(s, e, gs, ge int64) int64 {
	lo, hi := max(s, gs), min(e, ge)
	if hi < lo {
		return 0
	}
	return hi - lo + 1
}

// bestSegments keeps, per sample, the segment with the largest overlap; ties
// go to the segment with more probes. Output is sorted by sample.
func bestSegments(segs []segment) []segment {
	best := map[string]segment{}
	for _, s := range segs {
		if s.overlap <= 0 {
			continue
		}
		cur, ok := best[s.sample]
		if !ok || s.overlap > cur.overlap || (s.overlap == cur.overlap && s.numProbes > cur.numProbes) {
			best[s.sample] = s
		}
	}
	out := make([]segment, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sample < out[j].sample })
	return out
}

// CopyNumberTool computes gene-level copy number from segment data.
func CopyNumberTool(r Research, a *Annotation, art Artifacts) Tool {
	return New("get_gene_level_copy_number_data",
		"Retrieve the gene-level copy number data for a given GENCODE accession aka Ensembl Gene stable ID. Returns the path to a csv file with columns public_id, sample, chromosome, start_pos, end_pos, num_probes, segment_mean, visit, segment_copy_number_status, and overlap_len. The variables related to copy number are 1. segment_mean, which is the log2 fold-change of the probe, and 2. segment_copy_number_status, which is the categorical copy number status (-2, -1, 0, +1, or +2). For each sample the segment with the largest overlap with the gene is kept.",
		object(map[string]map[string]any{"gene_id": prop("string", "Ensembl Gene stable ID, e.g. ENSG00000143621")}),
		func(ctx context.Context, input string) (string, error) {
			var args struct {
				GeneID string `json:"gene_id"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			g, ok := a.ByID(args.GeneID)
			if !ok {
				return "", fmt.Errorf("gene %q not found in the annotation", args.GeneID)
			}
			chrom := "chr" + g.Chrom
			t, err := queryTable(ctx, r.DB, 0, r.rebind(
				`SELECT sample, chromosome, start_pos, end_pos, num_probes, segment_mean, visit, segment_copy_number_status
				 FROM genome_gatk_cna WHERE chromosome = ? AND start_pos <= ? AND end_pos >= ?`),
				chrom, g.End, g.Start)
			if err != nil {
				return "", fmt.Errorf("query segments: %w", err)
			}

			segs := make([]segment, 0, len(t.Rows))
			for _, row := range t.Rows {
				s := segment{sample: row[0], chromosome: row[1], mean: row[5], visit: row[6], status: row[7]}
				s.start, _ = strconv.ParseInt(row[2], 10, 64)
				s.end, _ = strconv.ParseInt(row[3], 10, 64)
				s.numProbes, _ = strconv.ParseInt(row[4], 10, 64)
				s.overlap = overlapLen(s.start, s.end, g.Start, g.End)
				segs = append(segs, s)
			}

			out := &table{Columns: []string{"public_id", "sample", "chromosome", "start_pos", "end_pos",
				"num_probes", "segment_mean", "visit", "segment_copy_number_status", "overlap_len"}}
			for _, s := range bestSegments(segs) {
				publicID := ""
				if m := publicIDPattern.FindStringSubmatch(s.sample); m != nil {
					publicID = m[1]
				}
				out.Rows = append(out.Rows, []string{publicID, s.sample, s.chromosome,
					strconv.FormatInt(s.start, 10), strconv.FormatInt(s.end, 10),
					strconv.FormatInt(s.numProbes, 10), s.mean, s.visit, s.status,
					strconv.FormatInt(s.overlap, 10)})
			}

			path := filepath.Join(art.ResultDir, fmt.Sprintf("gene_level_copy_number_%s.csv", args.GeneID))
			if err := writeCSV(path, out); err != nil {
				return "", fmt.Errorf("write %s: %w", path, err)
			}
			return fmt.Sprintf("Result saved to %s", filepath.ToSlash(path)), nil
		})
}

func parseEndpoint(input string) (string, error) {
	var args struct {
		Endpoint string `json:"endpoint"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return "", err
	}
	ep := strings.ToLower(strings.TrimSpace(args.Endpoint))
	if ep == "" {
		ep = "os"
	}
	if ep != "os" && ep != "pfs" {
		return "", fmt.Errorf(`endpoint must be either "os" or "pfs"`)
	}
	return ep, nil
}

var endpointSchema = object(map[string]map[string]any{
	"endpoint": {"type": "string", "enum": []string{"os", "pfs"}, "description": "Survival endpoint"},
})

var (
	genderLabels = map[string]string{"1": "Male", "2": "Female"}
	issLabels    = map[string]string{"1": "I", "2": "II", "3": "III"}
)

// CoxBaseDataTool assembles survival plus age, gender and ISS per patient.
func CoxBaseDataTool(r Research, art Artifacts) Tool {
	return New("get_cox_regression_base_data",
		"Retrieve a template dataset for Cox PH regression analysis for a given endpoint ('os' or 'pfs'). Returns the path to a csv file containing PUBLIC ID, survival time, censoring status, age, ISS, and gender columns. Use it when the user requests survival regression of their feature of interest alongside common covariates like age, sex, and ISS; merge their feature(s) of interest with this table.",
		endpointSchema,
		func(ctx context.Context, input string) (string, error) {
			ep, err := parseEndpoint(input)
			if err != nil {
				return "", err
			}
			path := filepath.Join(art.ResultDir, fmt.Sprintf("cox_ph_covariates_%s.csv", ep))
			msg := fmt.Sprintf("Saved template dataset containing PUBLIC ID, %s, age, ISS, gender columns to %s", ep, filepath.ToSlash(path))
			if _, err := os.Stat(path); err == nil {
				return msg, nil
			}

			surv, err := queryTable(ctx, r.DB, 0, fmt.Sprintf(
				"SELECT PUBLIC_ID, %[1]scdy, cens%[1]s FROM stand_alone_survival WHERE cens%[1]s IS NOT NULL", ep))
			if err != nil {
				return "", fmt.Errorf("query survival: %w", err)
			}
			clin, err := queryTable(ctx, r.DB, 0, "SELECT PUBLIC_ID, D_PT_age, D_PT_gender, D_PT_iss FROM per_patient")
			if err != nil {
				return "", fmt.Errorf("query per_patient: %w", err)
			}

			byPatient := make(map[string][]string, len(clin.Rows))
			for _, row := range clin.Rows {
				byPatient[row[0]] = []string{row[1], genderLabels[trimNumber(row[2])], issLabels[trimNumber(row[3])]}
			}
			out := &table{Columns: []string{"PUBLIC_ID", ep + "cdy", "cens" + ep, "D_PT_age", "D_PT_gender", "D_PT_iss"}}
			for _, row := range surv.Rows {
				c, ok := byPatient[row[0]]
				if !ok {
					continue
				}
				out.Rows = append(out.Rows, append(append([]string{}, row...), c...))
			}
			if err := writeCSV(path, out); err != nil {
				return "", fmt.Errorf("write %s: %w", path, err)
			}
			return msg, nil
		})
}

// trimNumber normalizes "1", "1.0" and " 1" to "1".
func trimNumber(s string) string {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return s
}

// precomputed reports the path of a file produced offline.
func precomputed(path, missing string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", errors.New(missing)
		}
		return "", err
	}
	return filepath.ToSlash(path), nil
}

// CoxStatsTool returns the path of the gene-wise Cox PH summary statistics.
func CoxStatsTool(osPath, pfsPath string) Tool {
	return New("gene_expr_coxph_statistics",
		"Retrieve the path to pre-computed Cox PH regression results for a given endpoint ('os' or 'pfs'). The csv file has columns gene, coef, exp(coef), se(coef), z, p, lower95, upper95, n, q, neglog10q. The analysis is Cox PH regression on the z-score of log2(tpm+1) expression of each gene with age, sex, and ISS as covariates, using first-visit bone marrow CD138pos samples. Suitable for filtering genes by association with survival (hazard ratio >1 or <1). Not suitable for other covariates or subpopulations.",
		endpointSchema,
		func(_ context.Context, input string) (string, error) {
			ep, err := parseEndpoint(input)
			if err != nil {
				return "", err
			}
			path := osPath
			if ep == "pfs" {
				path = pfsPath
			}
			p, err := precomputed(path, fmt.Sprintf("Gene-wise Cox PH regression results for endpoint %s not found.", ep))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Path to gene-wise CoxPH summary statistics for %s endpoint: %s", ep, p), nil
		})
}

// MADTool returns the path of the per-gene median and MAD of expression.
func MADTool(path string) Tool {
	return New("gene_expr_mad_values",
		"Retrieve the path to pre-computed median and median absolute deviation (MAD) of log2(tpm+1)-transformed gene expression for all GRCh38 genes with expression data. The csv file has columns Ensembl gene ID, median log2(tpm+1), and MAD log2(tpm+1). Suitable for filtering or ordering genes by expression variability across the cohort. Not suitable for differential expression or subpopulation statistics.",
		nil,
		func(context.Context, string) (string, error) {
			p, err := precomputed(path, "Pre-computed gene MAD results not found.")
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Path to gene-wise median and MAD of log2(tpm+1) expression values: %s", p), nil
		})
}
