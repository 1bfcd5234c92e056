package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lumen-bio/trialscope/internal/model"
)

// Insights holds trend observations derived by comparing the earlier half
// of the trial set against the later half. Pure computation, deterministic
// for a given input.
type Insights struct {
	ModalityTrends []string `json:"modality_trends"`
	OutcomeTrends  []string `json:"outcome_trends"`
	DesignTrends   []string `json:"design_trends"`
}

var biomarkerTerms = []string{"ldl", "cholesterol", "lipid", "marker", "level"}

var clinicalTerms = []string{"event", "mortality", "death", "survival", "hospitalization", "cardiovascular"}

// GenerateInsights splits the trials into early and late periods by start
// date and reports how modality mix, outcome focus, enrollment and
// duration shifted between them.
func GenerateInsights(trials []model.Trial, enriched []model.EnrichedIntervention) Insights {
	var dated []model.Trial
	for _, t := range trials {
		if t.StartDate != "" {
			dated = append(dated, t)
		}
	}
	sort.SliceStable(dated, func(i, j int) bool {
		return dated[i].StartDate < dated[j].StartDate
	})

	early, late := dated, dated
	if len(dated) > 5 {
		early = dated[:len(dated)/2]
		late = dated[len(dated)/2:]
	}

	modalityByName := make(map[string]string, len(enriched))
	for _, e := range enriched {
		modalityByName[e.Name] = e.Modality
	}

	return Insights{
		ModalityTrends: modalityTrends(early, late, modalityByName),
		OutcomeTrends:  outcomeTrends(early, late),
		DesignTrends:   designTrends(early, late),
	}
}

func modalityTrends(early, late []model.Trial, modalityByName map[string]string) []string {
	earlyCounts := countModalities(early, modalityByName)
	lateCounts := countModalities(late, modalityByName)

	all := make(map[string]bool)
	for m := range earlyCounts {
		all[m] = true
	}
	for m := range lateCounts {
		all[m] = true
	}
	modalities := make([]string, 0, len(all))
	for m := range all {
		modalities = append(modalities, m)
	}
	sort.Strings(modalities)

	var insights []string
	for _, m := range modalities {
		switch {
		case earlyCounts[m] < lateCounts[m]:
			insights = append(insights, fmt.Sprintf("There appears to be an increasing trend in %s interventions.", m))
		case earlyCounts[m] > lateCounts[m]:
			insights = append(insights, fmt.Sprintf("There appears to be a decreasing trend in %s interventions.", m))
		}
	}
	return insights
}

func countModalities(trials []model.Trial, modalityByName map[string]string) map[string]int {
	counts := make(map[string]int)
	for _, trial := range trials {
		for _, iv := range trial.Interventions {
			if iv.Name == "" {
				continue
			}
			if modality, ok := modalityByName[iv.Name]; ok {
				if modality == "" {
					modality = "unknown"
				}
				counts[modality]++
			}
		}
	}
	return counts
}

func outcomeTrends(early, late []model.Trial) []string {
	earlyBio, earlyClin := countOutcomeFocus(early)
	lateBio, lateClin := countOutcomeFocus(late)

	var insights []string
	switch {
	case earlyBio < lateBio:
		insights = append(insights, "There is an increasing focus on biomarker-based outcomes over time.")
	case earlyBio > lateBio:
		insights = append(insights, "There is a decreasing focus on biomarker-based outcomes over time.")
	}
	switch {
	case earlyClin < lateClin:
		insights = append(insights, "There is an increasing focus on clinical outcomes over time.")
	case earlyClin > lateClin:
		insights = append(insights, "There is a decreasing focus on clinical outcomes over time.")
	}
	return insights
}

func countOutcomeFocus(trials []model.Trial) (biomarker, clinical int) {
	for _, trial := range trials {
		for _, outcome := range trial.PrimaryOutcomes {
			lower := strings.ToLower(outcome)
			for _, term := range biomarkerTerms {
				if strings.Contains(lower, term) {
					biomarker++
					break
				}
			}
			for _, term := range clinicalTerms {
				if strings.Contains(lower, term) {
					clinical++
					break
				}
			}
		}
	}
	return biomarker, clinical
}

func designTrends(early, late []model.Trial) []string {
	var insights []string

	if earlyAvg, ok1 := averageEnrollment(early); ok1 {
		if lateAvg, ok2 := averageEnrollment(late); ok2 {
			switch {
			case earlyAvg < lateAvg:
				insights = append(insights, fmt.Sprintf("Average trial enrollment has increased over time from %.1f to %.1f participants.", earlyAvg, lateAvg))
			case earlyAvg > lateAvg:
				insights = append(insights, fmt.Sprintf("Average trial enrollment has decreased over time from %.1f to %.1f participants.", earlyAvg, lateAvg))
			}
		}
	}

	if earlyAvg, ok1 := averageDuration(early); ok1 {
		if lateAvg, ok2 := averageDuration(late); ok2 {
			switch {
			case earlyAvg < lateAvg:
				insights = append(insights, fmt.Sprintf("Average trial duration has increased over time from %.1f to %.1f days.", earlyAvg, lateAvg))
			case earlyAvg > lateAvg:
				insights = append(insights, fmt.Sprintf("Average trial duration has decreased over time from %.1f to %.1f days.", earlyAvg, lateAvg))
			}
		}
	}

	return insights
}

func averageEnrollment(trials []model.Trial) (float64, bool) {
	sum, n := 0, 0
	for _, t := range trials {
		if t.Enrollment != nil {
			sum += *t.Enrollment
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return float64(sum) / float64(n), true
}

func averageDuration(trials []model.Trial) (float64, bool) {
	sum, n := 0, 0
	for _, t := range trials {
		if t.DurationDays != nil {
			sum += *t.DurationDays
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return float64(sum) / float64(n), true
}
