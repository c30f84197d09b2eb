// Package signal classifies inbound messages into a 5-tuple and gates LLM
// invocation with a two-tier noise filter.
package signal

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/corvid-labs/corvid/pkg/models"
)

var (
	buildRegex    = regexp.MustCompile(`(?i)\b(build|create|implement|write|design|scaffold|draft|generate)\b`)
	executeRegex  = regexp.MustCompile(`(?i)\b(run|execute|deploy|start|stop|restart|trigger|launch|kill)\b`)
	analyzeRegex  = regexp.MustCompile(`(?i)\b(analyze|reason|think through|derive|prove|why|tradeoff|compare|review|investigate|debug)\b`)
	maintainRegex = regexp.MustCompile(`(?i)\b(fix|update|upgrade|patch|refactor|clean ?up|migrate|rename)\b`)

	commitRegex  = regexp.MustCompile(`(?i)\b(i will|i'll|i promise|we will|count on)\b`)
	decideRegex  = regexp.MustCompile(`(?i)\b(should (i|we)|decide|choose|pick|which one|option)\b`)
	expressRegex = regexp.MustCompile(`(?i)\b(love|hate|awesome|terrible|frustrat\w*|amazing|annoying|great job|well done)\b`)
	informRegex  = regexp.MustCompile(`(?i)\b(fyi|heads up|note that|just so you know|for the record|status update)\b`)

	questionRegex = regexp.MustCompile(`(?i)^(what|who|when|where|why|how|is|are|can|could|do|does|did|will|would|should)\b`)
	greetingRegex = regexp.MustCompile(`(?i)^(hi|hey|hello|good (morning|afternoon|evening)|yo)\b`)

	codeFence  = regexp.MustCompile("```")
	punctRegex = regexp.MustCompile(`[.,;:!?()\[\]{}"'` + "`" + `-]`)
)

// weightScale controls how fast raw lexical mass saturates toward 1.0.
// A one-word ack lands near zero; a few sentences land mid-range.
const weightScale = 60.0

// Classifier derives a Signal from message text using deterministic
// lexical rules. Identical input always yields an identical Signal.
type Classifier struct {
	borderlineFloor   float64
	borderlineCeiling float64
}

// NewClassifier creates a classifier whose confidence is low inside the
// borderline weight band [floor, ceiling).
func NewClassifier(borderlineFloor, borderlineCeiling float64) *Classifier {
	return &Classifier{borderlineFloor: borderlineFloor, borderlineCeiling: borderlineCeiling}
}

// Classify produces the 5-tuple for one inbound message.
func (c *Classifier) Classify(text string) models.Signal {
	trimmed := strings.TrimSpace(text)

	sig := models.Signal{
		Mode:       classifyMode(trimmed),
		Genre:      classifyGenre(trimmed),
		Type:       classifyType(trimmed),
		Format:     classifyFormat(trimmed),
		Weight:     Weight(trimmed),
		Confidence: models.ConfidenceHigh,
	}
	if sig.Weight >= c.borderlineFloor && sig.Weight < c.borderlineCeiling {
		sig.Confidence = models.ConfidenceLow
	}
	return sig
}

// Weight scores lexical mass, normalized to [0, 1). Words dominate;
// punctuation adds a smaller structural contribution.
func Weight(text string) float64 {
	words := len(strings.Fields(text))
	punct := len(punctRegex.FindAllString(text, -1))
	raw := 1.3*float64(words) + 0.5*float64(punct)
	return raw / (raw + weightScale)
}

func classifyMode(text string) models.SignalMode {
	switch {
	case buildRegex.MatchString(text):
		return models.ModeBuild
	case executeRegex.MatchString(text):
		return models.ModeExecute
	case analyzeRegex.MatchString(text):
		return models.ModeAnalyze
	case maintainRegex.MatchString(text):
		return models.ModeMaintain
	default:
		return models.ModeAssist
	}
}

func classifyGenre(text string) models.SignalGenre {
	switch {
	case commitRegex.MatchString(text):
		return models.GenreCommit
	case decideRegex.MatchString(text):
		return models.GenreDecide
	case expressRegex.MatchString(text):
		return models.GenreExpress
	case informRegex.MatchString(text):
		return models.GenreInform
	default:
		return models.GenreDirect
	}
}

func classifyType(text string) string {
	switch {
	case greetingRegex.MatchString(text):
		return "greeting"
	case strings.HasSuffix(text, "?") || questionRegex.MatchString(text):
		return "question"
	case buildRegex.MatchString(text) || executeRegex.MatchString(text) || maintainRegex.MatchString(text):
		return "request"
	default:
		return "statement"
	}
}

func classifyFormat(text string) models.SignalFormat {
	switch {
	case strings.HasPrefix(text, "/"):
		return models.FormatCommand
	case codeFence.MatchString(text) || strings.Count(text, "\n") >= 8 || len(text) > 2000:
		return models.FormatDocument
	case transcriptLike(text):
		return models.FormatTranscript
	default:
		return models.FormatMessage
	}
}

// transcriptLike detects pasted multi-speaker logs ("name: line" on most
// lines).
func transcriptLike(text string) bool {
	lines := strings.Split(text, "\n")
	if len(lines) < 3 {
		return false
	}
	speakers := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx > 0 && idx < 24 && !strings.ContainsAny(line[:idx], " \t") {
			speakers++
		}
	}
	return speakers*2 >= len(lines)
}

// emojiOnly reports whether the text contains no letters or digits, only
// symbols, emoji, and whitespace.
func emojiOnly(text string) bool {
	seen := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		seen = true
	}
	return seen
}
