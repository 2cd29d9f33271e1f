package intent

import "context"

// Intent is the structured result of analyzing a finalized utterance.
type Intent struct {
	Action     string
	Target     string
	Raw        string
	Confidence float64
}

// Analyzer converts finalized text into a structured intent.
type Analyzer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Analyze parses text, optionally using prior conversation context.
	Analyze(ctx context.Context, text string, conv map[string]string) (Intent, error)
}
