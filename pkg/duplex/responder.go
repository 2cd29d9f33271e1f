package duplex

import (
	"fmt"
	"strings"
	"sync"

	"github.com/harunnryd/lyra/pkg/adapters/intent"
)

// Responder converts an intent into a short reply phrase. Implementations
// must be deterministic given the same inputs.
type Responder interface {
	Respond(it intent.Intent, lang string) string
	Backchannel(lang string) string
}

const fallbackLanguage = "en"

// actionTemplates maps language -> action -> acknowledgment format. The
// single %s receives the target.
var actionTemplates = map[string]map[string]string{
	"en": {
		"click":    "Clicking %s.",
		"type":     "Typing %s.",
		"scroll":   "Scrolling %s.",
		"open":     "Opening %s.",
		"close":    "Closing %s.",
		"navigate": "Navigating to %s.",
		"search":   "Searching for %s.",
		"press":    "Pressing %s.",
		"copy":     "Copying %s.",
		"paste":    "Pasting %s.",
		"read":     "Reading %s.",
	},
	"id": {
		"click":    "Mengklik %s.",
		"type":     "Mengetik %s.",
		"scroll":   "Menggulir %s.",
		"open":     "Membuka %s.",
		"close":    "Menutup %s.",
		"navigate": "Menuju ke %s.",
		"search":   "Mencari %s.",
		"press":    "Menekan %s.",
		"copy":     "Menyalin %s.",
		"paste":    "Menempel %s.",
		"read":     "Membaca %s.",
	},
}

// fillerPhrases stall while a question is being worked out.
var fillerPhrases = map[string]string{
	"en": "Let me think about that.",
	"id": "Sebentar, saya pikirkan dulu.",
}

// genericPhrases acknowledge actions outside the known set.
var genericPhrases = map[string]string{
	"en": "Okay.",
	"id": "Baik.",
}

// backchannelPhrases are short acknowledgments emitted while the user holds
// the floor.
var backchannelPhrases = map[string][]string{
	"en": {"mm-hm", "uh-huh", "right", "I see"},
	"id": {"hmm", "iya", "oke", "begitu"},
}

// TemplateResponder is the default trivial local lookup. Backchannel phrases
// rotate deterministically per language.
type TemplateResponder struct {
	mu   sync.Mutex
	next map[string]int
}

func NewTemplateResponder() *TemplateResponder {
	return &TemplateResponder{next: make(map[string]int)}
}

func (r *TemplateResponder) Respond(it intent.Intent, lang string) string {
	lang = normalizeLang(lang)
	action := strings.ToLower(strings.TrimSpace(it.Action))

	if action == "question" {
		return pick(fillerPhrases, lang)
	}

	templates, ok := actionTemplates[lang]
	if !ok {
		templates = actionTemplates[fallbackLanguage]
	}
	format, ok := templates[action]
	if !ok {
		return pick(genericPhrases, lang)
	}

	target := strings.TrimSpace(it.Target)
	if target == "" {
		target = defaultTarget(lang)
	}
	return fmt.Sprintf(format, target)
}

func (r *TemplateResponder) Backchannel(lang string) string {
	lang = normalizeLang(lang)
	phrases, ok := backchannelPhrases[lang]
	if !ok {
		phrases = backchannelPhrases[fallbackLanguage]
		lang = fallbackLanguage
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.next[lang]
	r.next[lang] = (i + 1) % len(phrases)
	return phrases[i]
}

func normalizeLang(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if lang == "" {
		return fallbackLanguage
	}
	return lang
}

func defaultTarget(lang string) string {
	if lang == "id" {
		return "itu"
	}
	return "that"
}

func pick(phrases map[string]string, lang string) string {
	if p, ok := phrases[lang]; ok {
		return p
	}
	return phrases[fallbackLanguage]
}

var _ Responder = (*TemplateResponder)(nil)
