package pipeline

import "strings"

// antibodySuffixes take precedence over every keyword pattern; monoclonal
// antibody nomenclature is reliable enough to trust on its own.
var antibodySuffixes = []string{"mab", "umab", "ximab", "zumab", "imab"}

// modalityPattern pairs a modality with the name substrings that imply it.
// Table order is significant: the first matching modality wins, so the
// ordering must stay stable for reproducible classification.
type modalityPattern struct {
	modality string
	keywords []string
}

var modalityPatterns = []modalityPattern{
	{"small molecule", []string{"small molecule", "synthetic", "chemical", "inhibitor", "antagonist", "agonist"}},
	{"peptide", []string{"peptide", "protein", "polypeptide"}},
	{"enzyme", []string{"enzyme", "ase"}},
	{"gene therapy", []string{"gene", "vector", "viral", "aav"}},
	{"cell therapy", []string{"cell", "stem", "t-cell", "car-t"}},
	{"vaccine", []string{"vaccine", "vax", "immunization"}},
	{"oligonucleotide", []string{"rna", "dna", "nucleotide", "antisense", "sirna"}},
}

// InferModality classifies a drug name by naming convention alone. Pure
// and deterministic: the same name always yields the same modality.
func InferModality(drugName string) string {
	if drugName == "" {
		return "unknown"
	}

	lower := strings.ToLower(drugName)

	for _, suffix := range antibodySuffixes {
		if strings.Contains(lower, suffix) {
			return "monoclonal antibody"
		}
	}

	for _, p := range modalityPatterns {
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				return p.modality
			}
		}
	}

	return "small molecule"
}
