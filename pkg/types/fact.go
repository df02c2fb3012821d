package types

import "strings"

// FactTriple is a derived (subject, predicate, object) statement extracted
// from one or more memory records. The conflict detector compares triples
// that share the same subject and object to find attitude contradictions.
type FactTriple struct {
	Subject   string  `json:"subject"`
	Predicate string  `json:"predicate"`
	Object    string  `json:"object"`

	// Confidence is the extraction confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// SourceRecordIDs lists the records this triple was extracted from.
	SourceRecordIDs []string `json:"source_record_ids,omitempty"`
}

// Key returns the (subject, object) grouping key used when searching for
// contradicting predicates.
func (f FactTriple) Key() string {
	return strings.ToLower(f.Subject) + "\x00" + strings.ToLower(f.Object)
}

// Sentence renders the triple back into a plain statement, used as the
// content of derived fact records.
func (f FactTriple) Sentence() string {
	return f.Subject + " " + f.Predicate + " " + f.Object
}
