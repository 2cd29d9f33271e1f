package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/harunnryd/lyra/pkg/adapters/intent"
)

// questionWords mark an utterance as a question when they lead it.
var questionWords = map[string]bool{
	"what": true, "who": true, "where": true, "when": true,
	"why": true, "how": true, "is": true, "are": true,
	"can": true, "could": true, "do": true, "does": true,
}

// KeywordAnalyzer is a trivial deterministic analyzer: the first word is the
// action, the remainder is the target. Questions map to the "question"
// action.
type KeywordAnalyzer struct {
	mu  sync.Mutex
	err error
}

func NewKeywordAnalyzer() *KeywordAnalyzer { return &KeywordAnalyzer{} }

func (a *KeywordAnalyzer) Name() string { return "keyword_analyzer" }

// SetErr makes every subsequent Analyze call fail with err; nil restores
// normal operation.
func (a *KeywordAnalyzer) SetErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

func (a *KeywordAnalyzer) Analyze(ctx context.Context, text string, conv map[string]string) (intent.Intent, error) {
	a.mu.Lock()
	err := a.err
	a.mu.Unlock()
	if err != nil {
		return intent.Intent{}, err
	}
	if err := ctx.Err(); err != nil {
		return intent.Intent{}, err
	}

	raw := text
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "" {
		return intent.Intent{Action: "none", Raw: raw, Confidence: 0}, nil
	}

	fields := strings.Fields(strings.TrimSuffix(text, "?"))
	if strings.HasSuffix(text, "?") || questionWords[fields[0]] {
		return intent.Intent{Action: "question", Target: strings.Join(fields, " "), Raw: raw, Confidence: 0.9}, nil
	}

	it := intent.Intent{Action: fields[0], Raw: raw, Confidence: 0.9}
	if len(fields) > 1 {
		it.Target = strings.Join(fields[1:], " ")
	}
	return it, nil
}

var _ intent.Analyzer = (*KeywordAnalyzer)(nil)
