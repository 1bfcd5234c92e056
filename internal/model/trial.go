package model

// Trial is the normalized projection of a raw ClinicalTrials.gov study.
// Created once during extraction and never mutated afterward.
type Trial struct {
	NCTID             string         `json:"nct_id"`
	Title             string         `json:"title"`
	Status            string         `json:"status"`
	Phase             string         `json:"phase"`
	StudyType         string         `json:"study_type"`
	StartDate         string         `json:"start_date"`
	CompletionDate    string         `json:"completion_date"`
	DurationDays      *int           `json:"duration_days,omitempty"`
	Conditions        []string       `json:"conditions"`
	Interventions     []Intervention `json:"interventions"`
	Sponsor           string         `json:"sponsor"`
	Enrollment        *int           `json:"enrollment,omitempty"`
	MinAge            string         `json:"min_age,omitempty"`
	MaxAge            string         `json:"max_age,omitempty"`
	Sex               string         `json:"sex,omitempty"`
	PrimaryOutcomes   []string       `json:"primary_outcomes"`
	SecondaryOutcomes []string       `json:"secondary_outcomes"`
}

// Intervention is a single arm intervention attached to a trial.
type Intervention struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Provenance records which classification path produced an enriched
// intervention's modality and target.
type Provenance string

const (
	// ProvenanceRemote means the remote inference service supplied the result.
	ProvenanceRemote Provenance = "remote"
	// ProvenanceHeuristic means the local pattern classifier supplied it.
	ProvenanceHeuristic Provenance = "heuristic"
	// ProvenanceOverride means the remote service answered with low
	// confidence and a disagreeing heuristic result was preferred.
	ProvenanceOverride Provenance = "remote-low-confidence-override"
)

// ErrorProvenance builds the provenance tag for a failed enrichment task.
func ErrorProvenance(detail string) Provenance {
	return Provenance("error:" + detail)
}

// EnrichedIntervention is a deduplicated drug name plus its classification.
// Immutable once created by the enricher.
type EnrichedIntervention struct {
	Name       string     `json:"name"`
	Modality   string     `json:"modality"`
	Target     string     `json:"target"`
	Confidence string     `json:"confidence,omitempty"`
	Provenance Provenance `json:"provenance"`
}
