// Package importance scores new memory content in [0,1]. A deterministic
// rule pass produces a baseline; scores landing in an ambiguous middle band
// may be overridden by an optional LLM delegate. Evaluation never touches
// the record store.
package importance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/petmind/mnemo/internal/llm"
)

// Ambiguous band: rule scores inside it are candidates for delegation.
const (
	ambiguousLow  = 0.4
	ambiguousHigh = 0.6
)

// Keyword signals and their baseline score. Both English and the companion
// app's Chinese vocabulary are covered.
var keywordSignals = []string{
	"birthday", "生日",
	"important", "重要",
	"remember", "记住",
	"promise", "约定", "承诺",
	"like", "喜欢",
	"love", "爱",
	"hate", "讨厌",
}

const (
	baselineScore = 0.5
	keywordScore  = 0.7
)

// EvalContext carries optional signals beyond the raw content.
type EvalContext struct {
	// AffinityChange is the delta of a tracked relationship score associated
	// with the content, when known. Large deltas boost importance.
	AffinityChange float64
}

// Evaluator scores content. The delegate is optional; when nil only the
// rule pass runs.
type Evaluator struct {
	delegate llm.TextGenerator
}

// NewEvaluator creates an evaluator with an optional LLM delegate.
func NewEvaluator(delegate llm.TextGenerator) *Evaluator {
	return &Evaluator{delegate: delegate}
}

// Evaluate scores content in [0,1].
func (e *Evaluator) Evaluate(ctx context.Context, content string, evalCtx *EvalContext) float64 {
	score := e.ruleScore(content, evalCtx)

	if e.delegate != nil && score >= ambiguousLow && score <= ambiguousHigh {
		if delegated, ok := e.delegateScore(ctx, content); ok {
			return delegated
		}
	}
	return score
}

// EvaluateBatch scores each content and returns parallel scores.
func (e *Evaluator) EvaluateBatch(ctx context.Context, contents []string, evalCtxs []*EvalContext) []float64 {
	scores := make([]float64, len(contents))
	for i, content := range contents {
		var ec *EvalContext
		if evalCtxs != nil && i < len(evalCtxs) {
			ec = evalCtxs[i]
		}
		scores[i] = e.Evaluate(ctx, content, ec)
	}
	return scores
}

// ruleScore is the deterministic pass: keyword boosts plus numeric-delta
// boosts from the evaluation context.
func (e *Evaluator) ruleScore(content string, evalCtx *EvalContext) float64 {
	score := baselineScore

	lower := strings.ToLower(content)
	for _, kw := range keywordSignals {
		if strings.Contains(lower, kw) {
			score = keywordScore
			break
		}
	}

	if evalCtx != nil {
		delta := math.Abs(evalCtx.AffinityChange)
		switch {
		case delta >= 5:
			score = math.Max(score, 0.8)
		case delta >= 3:
			score = math.Max(score, 0.7)
		}
	}

	return clamp01(score)
}

const delegatePrompt = `Rate how important the following statement is for a companion agent to remember long-term.
Respond with JSON only: {"importance_score": <number between 0 and 1>}

Statement: %s`

// delegateScore asks the LLM delegate for an estimate. The delegate is
// advisory: any failure falls back to the rule score.
func (e *Evaluator) delegateScore(ctx context.Context, content string) (float64, bool) {
	resp, err := e.delegate.Complete(ctx, fmt.Sprintf(delegatePrompt, content))
	if err != nil {
		log.Printf("importance: delegate call failed, keeping rule score: %v", err)
		return 0, false
	}

	score, err := parseDelegateResponse(resp)
	if err != nil {
		log.Printf("importance: unparseable delegate response, keeping rule score: %v", err)
		return 0, false
	}
	return clamp01(score), true
}

var floatPattern = regexp.MustCompile(`[01](?:\.\d+)?`)

// parseDelegateResponse extracts the score from a delegate reply. It accepts
// a JSON object (possibly inside a code fence) and falls back to the first
// plausible float in the text.
func parseDelegateResponse(resp string) (float64, error) {
	cleaned := strings.TrimSpace(removeCodeFences(resp))

	var parsed struct {
		ImportanceScore float64 `json:"importance_score"`
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err == nil {
		return parsed.ImportanceScore, nil
	}

	if m := floatPattern.FindString(cleaned); m != "" {
		return strconv.ParseFloat(m, 64)
	}
	return 0, fmt.Errorf("no score found in %q", resp)
}

func removeCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
