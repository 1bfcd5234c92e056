package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/lumen-bio/trialscope/internal/model"
	"github.com/lumen-bio/trialscope/pkg/ctgov"
)

// ExtractTrials projects raw studies into the normalized Trial form. A
// study that cannot be projected is skipped, never fatal.
func ExtractTrials(studies []ctgov.Study) []model.Trial {
	trials := make([]model.Trial, 0, len(studies))

	for _, study := range studies {
		ps := study.ProtocolSection

		phase := "Not Available"
		if len(ps.Design.Phases) > 0 {
			phase = ps.Design.Phases[0]
		}

		sponsor := ps.Sponsor.LeadSponsor.Name
		if sponsor == "" {
			sponsor = "Unknown"
		}

		var interventions []model.Intervention
		for _, iv := range ps.Interventions.Interventions {
			if iv.Type != ctgov.InterventionTypeDrug {
				continue
			}
			interventions = append(interventions, model.Intervention{
				Name:        iv.Name,
				Type:        iv.Type,
				Description: iv.Description,
			})
		}

		startDate := ps.Status.StartDateStruct.Date
		completionDate := ps.Status.CompletionDateStruct.Date

		trial := model.Trial{
			NCTID:             ps.Identification.NCTID,
			Title:             ps.Identification.BriefTitle,
			Status:            ps.Status.OverallStatus,
			Phase:             phase,
			StudyType:         ps.Design.StudyType,
			StartDate:         startDate,
			CompletionDate:    completionDate,
			DurationDays:      trialDuration(startDate, completionDate),
			Conditions:        ps.Conditions.Conditions,
			Interventions:     interventions,
			Sponsor:           sponsor,
			Enrollment:        ps.Design.EnrollmentInfo.Count,
			MinAge:            ps.Eligibility.MinimumAge,
			MaxAge:            ps.Eligibility.MaximumAge,
			Sex:               ps.Eligibility.Sex,
			PrimaryOutcomes:   outcomeMeasures(ps.Outcomes.PrimaryOutcomes),
			SecondaryOutcomes: outcomeMeasures(ps.Outcomes.SecondaryOutcomes),
		}
		trials = append(trials, trial)
	}

	zap.L().Info("extract: projected studies", zap.Int("trials", len(trials)))
	return trials
}

// trialDuration derives completion − start in days. Both dates must parse
// at the same precision: full dates first, then year-month for records with
// partial dates. Anything else yields no duration.
func trialDuration(startDate, completionDate string) *int {
	if startDate == "" || completionDate == "" {
		return nil
	}

	for _, layout := range []string{"2006-01-02", "2006-01"} {
		start, err1 := time.Parse(layout, startDate)
		completion, err2 := time.Parse(layout, completionDate)
		if err1 == nil && err2 == nil {
			days := int(completion.Sub(start).Hours() / 24)
			return &days
		}
	}
	return nil
}

func outcomeMeasures(outcomes []ctgov.Outcome) []string {
	measures := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Measure != "" {
			measures = append(measures, o.Measure)
		}
	}
	return measures
}

// UniqueInterventions collects the deduplicated set of drug intervention
// names across all trials. Names are case-sensitive; order follows first
// appearance.
func UniqueInterventions(trials []model.Trial) []string {
	seen := make(map[string]bool)
	var names []string

	for _, trial := range trials {
		for _, iv := range trial.Interventions {
			if iv.Type != ctgov.InterventionTypeDrug || iv.Name == "" {
				continue
			}
			if seen[iv.Name] {
				continue
			}
			seen[iv.Name] = true
			names = append(names, iv.Name)
		}
	}

	zap.L().Info("extract: unique drug interventions", zap.Int("count", len(names)))
	return names
}
