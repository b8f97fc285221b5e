package reason

import "github.com/muninndb/muninn/pkg/graph"

// Answer is a reasoning outcome with an explicit fallback tag. When the
// planned query path produced no evidence and the engine fell back to
// naive traversal, FellBack is set and the evidence carries the
// fallback source, so callers can tell a confident answer from a
// best-effort one without parsing log text.
type Answer struct {
	Evidence   []*graph.Evidence `json:"evidence"`
	Confidence float64           `json:"confidence"`
	Trace      []string          `json:"trace,omitempty"`

	FellBack       bool   `json:"fell_back"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// SourceFallbackTraversal marks evidence produced by the naive
// traversal fallback.
const SourceFallbackTraversal = "fallback_traversal"

// Ok creates a confident answer.
func Ok(evidence []*graph.Evidence, confidence float64, trace []string) *Answer {
	return &Answer{Evidence: evidence, Confidence: confidence, Trace: trace}
}

// FellBack creates a best-effort answer and stamps every piece of
// evidence with the fallback source.
func FellBack(evidence []*graph.Evidence, confidence float64, reason string) *Answer {
	for _, ev := range evidence {
		ev.Source = SourceFallbackTraversal
	}
	return &Answer{
		Evidence:       evidence,
		Confidence:     confidence,
		FellBack:       true,
		FallbackReason: reason,
	}
}
