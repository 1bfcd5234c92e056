package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lumen-bio/trialscope/internal/model"
)

// Output directory names under the run's output root.
const (
	DataDir    = "data"
	ResultsDir = "results"
	FiguresDir = "figures"
)

// writeCSV writes rows with the pipeline's own CSV dialect: list-valued
// fields are joined with "; " and literal commas inside scalar values are
// replaced with ";". This escaping is lossy and deliberately not RFC 4180;
// downstream consumers depend on it.
func writeCSV(path string, headers []string, rows [][]string) error {
	var b strings.Builder
	b.WriteString(strings.Join(headers, ",") + "\n")
	for _, row := range rows {
		escaped := make([]string, len(row))
		for i, v := range row {
			escaped[i] = strings.ReplaceAll(v, ",", ";")
		}
		b.WriteString(strings.Join(escaped, ",") + "\n")
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return eris.Wrapf(err, "persist: write %s", path)
	}
	return nil
}

// joinList serializes a list-valued field for the CSV dialect.
func joinList(values []string) string {
	return strings.Join(values, "; ")
}

func intOrEmpty(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// SaveTrialsCSV writes data/clinical_trials.csv.
func SaveTrialsCSV(outputDir string, trials []model.Trial) (string, error) {
	headers := []string{"nct_id", "title", "status", "phase", "sponsor", "start_date", "completion_date", "duration_days", "enrollment", "conditions"}

	rows := make([][]string, 0, len(trials))
	for _, t := range trials {
		rows = append(rows, []string{
			t.NCTID, t.Title, t.Status, t.Phase, t.Sponsor,
			t.StartDate, t.CompletionDate,
			intOrEmpty(t.DurationDays), intOrEmpty(t.Enrollment),
			joinList(t.Conditions),
		})
	}

	path := filepath.Join(outputDir, DataDir, "clinical_trials.csv")
	if err := writeCSV(path, headers, rows); err != nil {
		return "", err
	}
	zap.L().Info("persist: wrote trials CSV", zap.String("path", path), zap.Int("rows", len(rows)))
	return path, nil
}

// SaveInterventionsCSV writes data/interventions.csv.
func SaveInterventionsCSV(outputDir string, enriched []model.EnrichedIntervention) (string, error) {
	headers := []string{"name", "modality", "target", "source"}

	rows := make([][]string, 0, len(enriched))
	for _, e := range enriched {
		rows = append(rows, []string{e.Name, e.Modality, e.Target, string(e.Provenance)})
	}

	path := filepath.Join(outputDir, DataDir, "interventions.csv")
	if err := writeCSV(path, headers, rows); err != nil {
		return "", err
	}
	zap.L().Info("persist: wrote interventions CSV", zap.String("path", path), zap.Int("rows", len(rows)))
	return path, nil
}

// Quartiles summarizes a numeric distribution.
type Quartiles struct {
	Min    *float64 `json:"min"`
	Q1     *float64 `json:"q1"`
	Median *float64 `json:"median"`
	Q3     *float64 `json:"q3"`
	Max    *float64 `json:"max"`
}

// computeQuartiles returns min/q1/median/q3/max of values, all nil when
// values is empty.
func computeQuartiles(values []int) Quartiles {
	if len(values) == 0 {
		return Quartiles{}
	}

	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)
	n := len(sorted)

	f := func(v float64) *float64 { return &v }

	median := func(vals []int) float64 {
		m := len(vals)
		if m%2 == 0 {
			return float64(vals[m/2-1]+vals[m/2]) / 2
		}
		return float64(vals[m/2])
	}

	q := Quartiles{
		Min:    f(float64(sorted[0])),
		Max:    f(float64(sorted[n-1])),
		Median: f(median(sorted)),
	}
	if n >= 4 {
		q.Q1 = f(median(sorted[:n/2]))
		q.Q3 = f(median(sorted[(n+1)/2:]))
	} else {
		q.Q1 = q.Min
		q.Q3 = q.Max
	}
	return q
}

// CountSection pairs a distinct-value count with the per-value tallies.
type CountSection struct {
	Count int            `json:"count"`
	List  map[string]int `json:"list"`
}

// QuantitativeSummary is the numeric half of the run summary.
type QuantitativeSummary struct {
	TotalTrials        int            `json:"total_trials"`
	TotalInterventions int            `json:"total_interventions"`
	Modalities         CountSection   `json:"modalities"`
	Targets            CountSection   `json:"targets"`
	PrimaryOutcomes    CountSection   `json:"primary_outcomes"`
	SecondaryOutcomes  CountSection   `json:"secondary_outcomes"`
	Sponsors           CountSection   `json:"sponsors"`
	Phases             map[string]int `json:"phases"`
	EnrollmentQuartiles Quartiles     `json:"enrollment_quartiles"`
	DurationQuartiles   Quartiles     `json:"duration_quartiles"`
}

// TopCompany is one entry of the financial insight digest.
type TopCompany struct {
	Name   string `json:"name"`
	Ticker string `json:"ticker"`
}

// FinancialInsights is the condensed company view included in the summary.
type FinancialInsights struct {
	CompanyCount int          `json:"company_count"`
	TopCompanies []TopCompany `json:"top_companies"`
}

// Summary is the single aggregate artifact describing a run.
type Summary struct {
	QuantitativeSummary  QuantitativeSummary `json:"quantitative_summary"`
	DataSources          map[string]any      `json:"data_sources"`
	QualitativeInsights  *Insights           `json:"qualitative_insights,omitempty"`
	FinancialInsights    *FinancialInsights  `json:"financial_insights,omitempty"`
	CompetitiveLandscape []CompetitiveSpace  `json:"competitive_landscape,omitempty"`
}

func countSection(m map[string]int) CountSection {
	return CountSection{Count: len(m), List: m}
}

// BuildSummary aggregates everything the run produced into one Summary.
func BuildSummary(trials []model.Trial, enriched []model.EnrichedIntervention, insights *Insights, analyses []CompanyAnalysis, landscape []CompetitiveSpace) *Summary {
	sponsors := make(map[string]int)
	phases := make(map[string]int)
	primaryOutcomes := make(map[string]int)
	secondaryOutcomes := make(map[string]int)
	var enrollments, durations []int

	for _, t := range trials {
		if t.Sponsor != "" {
			sponsors[t.Sponsor]++
		}
		if t.Phase != "" {
			phases[t.Phase]++
		}
		for _, o := range t.PrimaryOutcomes {
			if o != "" {
				primaryOutcomes[o]++
			}
		}
		for _, o := range t.SecondaryOutcomes {
			if o != "" {
				secondaryOutcomes[o]++
			}
		}
		if t.Enrollment != nil {
			enrollments = append(enrollments, *t.Enrollment)
		}
		if t.DurationDays != nil {
			durations = append(durations, *t.DurationDays)
		}
	}

	modalities := make(map[string]int)
	targets := make(map[string]int)
	for _, e := range enriched {
		if e.Modality != "" && e.Modality != "unknown" {
			modalities[e.Modality]++
		}
		if e.Target != "" && e.Target != "unknown" {
			targets[e.Target]++
		}
	}

	summary := &Summary{
		QuantitativeSummary: QuantitativeSummary{
			TotalTrials:         len(trials),
			TotalInterventions:  len(enriched),
			Modalities:          countSection(modalities),
			Targets:             countSection(targets),
			PrimaryOutcomes:     countSection(primaryOutcomes),
			SecondaryOutcomes:   countSection(secondaryOutcomes),
			Sponsors:            countSection(sponsors),
			Phases:              phases,
			EnrollmentQuartiles: computeQuartiles(enrollments),
			DurationQuartiles:   computeQuartiles(durations),
		},
		DataSources: map[string]any{
			"api":                     "ClinicalTrials.gov API v2",
			"modality_target_sources": []string{"Anthropic API", "Name-based inference"},
		},
		QualitativeInsights:  insights,
		CompetitiveLandscape: landscape,
	}

	if len(analyses) > 0 {
		fi := &FinancialInsights{}
		companies := make(map[string]bool)
		for _, a := range analyses {
			if a.Company == "Unknown" {
				continue
			}
			companies[a.Company] = true
			if len(a.Tickers) > 0 && len(fi.TopCompanies) < 5 {
				fi.TopCompanies = append(fi.TopCompanies, TopCompany{
					Name:   a.Company,
					Ticker: strings.Join(a.Tickers, ","),
				})
			}
		}
		fi.CompanyCount = len(companies)
		summary.FinancialInsights = fi
	}

	return summary
}

// SaveSummary writes results/summary.json.
func SaveSummary(outputDir string, summary *Summary) (string, error) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "persist: marshal summary")
	}

	path := filepath.Join(outputDir, ResultsDir, "summary.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrap(err, "persist: write summary")
	}
	zap.L().Info("persist: wrote summary", zap.String("path", path))
	return path, nil
}

// SaveReport writes results/report.md, a readable rendition of the summary.
func SaveReport(outputDir string, summary *Summary) (string, error) {
	var b strings.Builder
	qs := summary.QuantitativeSummary

	b.WriteString("# Clinical Trials Analysis Report\n\n")
	b.WriteString("## Quantitative Summary\n\n")
	fmt.Fprintf(&b, "Total trials analyzed: %d\n", qs.TotalTrials)
	fmt.Fprintf(&b, "Total unique interventions: %d\n\n", qs.TotalInterventions)

	b.WriteString("### Modalities\n\n")
	fmt.Fprintf(&b, "Number of modalities: %d\n", qs.Modalities.Count)
	for _, kv := range sortedByCount(qs.Modalities.List, 0) {
		fmt.Fprintf(&b, "- %s: %d\n", kv.key, kv.count)
	}
	b.WriteString("\n")

	b.WriteString("### Biological Targets\n\n")
	fmt.Fprintf(&b, "Number of targets: %d\n", qs.Targets.Count)
	for _, kv := range sortedByCount(qs.Targets.List, 10) {
		fmt.Fprintf(&b, "- %s: %d\n", kv.key, kv.count)
	}
	if qs.Targets.Count > 10 {
		fmt.Fprintf(&b, "- ... and %d more\n", qs.Targets.Count-10)
	}
	b.WriteString("\n")

	b.WriteString("### Trial Phases\n\n")
	for _, kv := range sortedByCount(qs.Phases, 0) {
		fmt.Fprintf(&b, "- %s: %d\n", kv.key, kv.count)
	}
	b.WriteString("\n")

	b.WriteString("### Top Sponsors\n\n")
	for _, kv := range sortedByCount(qs.Sponsors.List, 10) {
		fmt.Fprintf(&b, "- %s: %d\n", kv.key, kv.count)
	}
	if qs.Sponsors.Count > 10 {
		fmt.Fprintf(&b, "- ... and %d more\n", qs.Sponsors.Count-10)
	}
	b.WriteString("\n")

	b.WriteString("### Enrollment (Patients)\n\n")
	writeQuartiles(&b, qs.EnrollmentQuartiles)
	b.WriteString("### Trial Duration (Days)\n\n")
	writeQuartiles(&b, qs.DurationQuartiles)

	b.WriteString("## Qualitative Insights\n\n")
	if in := summary.QualitativeInsights; in != nil {
		b.WriteString("### Trends in Mechanism of Action and Modality\n\n")
		for _, s := range in.ModalityTrends {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n### Trends in Primary and Secondary Outcome Measures\n\n")
		for _, s := range in.OutcomeTrends {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n### Observations About Trial Length and Enrollment\n\n")
		for _, s := range in.DesignTrends {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}

	if fi := summary.FinancialInsights; fi != nil {
		b.WriteString("## Financial and Company Analysis\n\n")
		fmt.Fprintf(&b, "There are %d companies involved in the trials for this disease area.\n\n", fi.CompanyCount)
		if len(fi.TopCompanies) > 0 {
			b.WriteString("### Key Companies\n\n")
			for _, comp := range fi.TopCompanies {
				fmt.Fprintf(&b, "- %s (%s)\n", comp.Name, comp.Ticker)
			}
			b.WriteString("\n")
		}
	}

	if len(summary.CompetitiveLandscape) > 0 {
		b.WriteString("## Competitive Landscape Analysis\n\n")
		for _, space := range summary.CompetitiveLandscape {
			fmt.Fprintf(&b, "### Target: %s\n\n", space.Target)
			fmt.Fprintf(&b, "- Drugs in development: %d\n", space.Drugs)
			fmt.Fprintf(&b, "- Companies involved: %s\n\n", strings.Join(space.Companies, ", "))

			b.WriteString("| Drug | Company | Modality | Key Outcome |\n")
			b.WriteString("|------|---------|----------|-------------|\n")
			for _, entry := range space.ComparativeData {
				fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", entry.Drug, entry.Company, entry.Modality, entry.KeyOutcome)
			}
			b.WriteString("\n")
		}
	}

	path := filepath.Join(outputDir, ResultsDir, "report.md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", eris.Wrap(err, "persist: write report")
	}
	zap.L().Info("persist: wrote report", zap.String("path", path))
	return path, nil
}

func writeQuartiles(b *strings.Builder, q Quartiles) {
	val := func(v *float64) string {
		if v == nil {
			return "n/a"
		}
		return strconv.FormatFloat(*v, 'f', -1, 64)
	}
	fmt.Fprintf(b, "- Minimum: %s\n", val(q.Min))
	fmt.Fprintf(b, "- Q1: %s\n", val(q.Q1))
	fmt.Fprintf(b, "- Median: %s\n", val(q.Median))
	fmt.Fprintf(b, "- Q3: %s\n", val(q.Q3))
	fmt.Fprintf(b, "- Maximum: %s\n\n", val(q.Max))
}

type keyCount struct {
	key   string
	count int
}

// sortedByCount orders map entries by descending count (ties by key) and
// truncates to limit when limit > 0.
func sortedByCount(m map[string]int, limit int) []keyCount {
	entries := make([]keyCount, 0, len(m))
	for k, v := range m {
		entries = append(entries, keyCount{k, v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].key < entries[j].key
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// EnsureOutputDirs creates the run's local output layout.
func EnsureOutputDirs(outputDir string) error {
	for _, dir := range []string{DataDir, ResultsDir, FiguresDir} {
		if err := os.MkdirAll(filepath.Join(outputDir, dir), 0o755); err != nil {
			return eris.Wrapf(err, "persist: create %s dir", dir)
		}
	}
	return nil
}
