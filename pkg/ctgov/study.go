package ctgov

// Study is the raw study record returned by the v2 API. Only the modules
// the pipeline reads are projected; the record is immutable once fetched.
type Study struct {
	ProtocolSection ProtocolSection `json:"protocolSection"`
}

// ProtocolSection groups the study modules.
type ProtocolSection struct {
	Identification IdentificationModule `json:"identificationModule"`
	Status         StatusModule         `json:"statusModule"`
	Design         DesignModule         `json:"designModule"`
	Sponsor        SponsorModule        `json:"sponsorCollaboratorsModule"`
	Conditions     ConditionsModule     `json:"conditionsModule"`
	Interventions  InterventionsModule  `json:"armsInterventionsModule"`
	Eligibility    EligibilityModule    `json:"eligibilityModule"`
	Outcomes       OutcomesModule       `json:"outcomesModule"`
}

// IdentificationModule carries the study identifiers.
type IdentificationModule struct {
	NCTID      string `json:"nctId"`
	BriefTitle string `json:"briefTitle"`
}

// StatusModule carries status and dates.
type StatusModule struct {
	OverallStatus       string     `json:"overallStatus"`
	StartDateStruct     DateStruct `json:"startDateStruct"`
	CompletionDateStruct DateStruct `json:"completionDateStruct"`
}

// DateStruct is a possibly-partial date ("2020-01-15" or "2020-01").
type DateStruct struct {
	Date string `json:"date"`
}

// DesignModule carries study design, phases and enrollment.
type DesignModule struct {
	StudyType      string         `json:"studyType"`
	Phases         []string       `json:"phases"`
	EnrollmentInfo EnrollmentInfo `json:"enrollmentInfo"`
}

// EnrollmentInfo carries the planned or actual enrollment count.
type EnrollmentInfo struct {
	Count *int `json:"count,omitempty"`
}

// SponsorModule carries the lead sponsor.
type SponsorModule struct {
	LeadSponsor LeadSponsor `json:"leadSponsor"`
}

// LeadSponsor identifies the sponsoring organization.
type LeadSponsor struct {
	Name  string `json:"name"`
	Class string `json:"class"`
}

// SponsorClassIndustry is the lead sponsor class for industry-sponsored studies.
const SponsorClassIndustry = "INDUSTRY"

// StudyTypeInterventional is the design studyType for interventional studies.
const StudyTypeInterventional = "INTERVENTIONAL"

// ConditionsModule lists the conditions under study.
type ConditionsModule struct {
	Conditions []string `json:"conditions"`
}

// InterventionsModule lists the arm interventions.
type InterventionsModule struct {
	Interventions []StudyIntervention `json:"interventions"`
}

// StudyIntervention is a single intervention arm.
type StudyIntervention struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// InterventionTypeDrug is the intervention type for drug interventions.
const InterventionTypeDrug = "DRUG"

// EligibilityModule carries participant eligibility bounds.
type EligibilityModule struct {
	MinimumAge string `json:"minimumAge"`
	MaximumAge string `json:"maximumAge"`
	Sex        string `json:"sex"`
}

// OutcomesModule lists primary and secondary outcome measures.
type OutcomesModule struct {
	PrimaryOutcomes   []Outcome `json:"primaryOutcomes"`
	SecondaryOutcomes []Outcome `json:"secondaryOutcomes"`
}

// Outcome is one outcome measure.
type Outcome struct {
	Measure string `json:"measure"`
}
