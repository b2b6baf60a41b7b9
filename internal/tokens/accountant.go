// Package tokens implements model-aware token counting and
// budget-preserving truncation. Counting for OpenAI-family models uses
// the exact BPE tokenizer via github.com/pkoukk/tiktoken-go; every
// other model family falls back to a conservative character-based
// estimator that over-counts rather than risking upstream rejection.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/divanvisagie/reservoir/internal/apperr"
	"github.com/divanvisagie/reservoir/internal/models"
)

// Per-message and per-reply priming overhead, as billed by the OpenAI
// chat completion API for cl100k_base-family models.
const (
	tokensPerMessage = 3
	tokensPerName    = 1
	tokensPerReply   = 3
)

// charsPerTokenFallback is the conservative ratio used when no BPE
// tokenizer is available for a model family; fewer chars per token means
// we over-count rather than under-count, erring towards rejecting input
// the upstream might in fact have accepted.
const charsPerTokenFallback = 3

// Accountant counts and truncates messages for a given model family.
// Safe for concurrent use: one Accountant serves every request pipeline.
type Accountant struct {
	mu    sync.Mutex
	cache map[string]*tiktoken.Tiktoken
}

// New creates an Accountant. Encodings are loaded lazily and cached per
// encoding name, since tiktoken.GetEncoding parses a sizeable BPE rank
// table.
func New() *Accountant {
	return &Accountant{cache: make(map[string]*tiktoken.Tiktoken)}
}

func (a *Accountant) encodingFor(model string) *tiktoken.Tiktoken {
	name := encodingName(model)
	if name == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if enc, ok := a.cache[name]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil
	}
	a.cache[name] = enc
	return enc
}

// encodingName maps a model name onto a tiktoken encoding, or "" if the
// model is not one of the families tiktoken-go knows how to tokenize
// exactly (e.g. an Ollama-local model).
func encodingName(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return "o200k_base"
	case strings.HasPrefix(m, "gpt-4"), strings.HasPrefix(m, "gpt-3.5"), strings.HasPrefix(m, "text-embedding"):
		return "cl100k_base"
	default:
		return ""
	}
}

// Count returns the number of tokens text costs under model's tokenizer.
func (a *Accountant) Count(model, text string) int {
	if enc := a.encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateChars(text)
}

func estimateChars(text string) int {
	n := len(text) / charsPerTokenFallback
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// CountMessages returns the total billed token count for a slice of
// messages under model's tokenizer, including the per-message and
// per-reply priming overhead the upstream API actually charges for.
func (a *Accountant) CountMessages(model string, messages []models.ChatMessage) int {
	total := tokensPerReply
	for _, m := range messages {
		total += tokensPerMessage
		total += a.Count(model, m.Role)
		total += a.Count(model, m.Content)
		_ = tokensPerName // reserved for a future `name` field on ChatMessage
	}
	return total
}

// ValidateInput checks the last user message alone against ceiling,
// independent of any other persistence or enrichment.
func (a *Accountant) ValidateInput(model, lastUserContent string, ceiling int) error {
	if n := a.Count(model, lastUserContent); n > ceiling {
		return apperr.New(apperr.InputTooLarge, "input exceeds the configured token ceiling")
	}
	return nil
}

// Truncate keeps the prompt within budget: every system
// message survives, in order; the final user message survives
// unconditionally; as many of the rest as fit, taken newest-to-oldest,
// fill out the remaining budget. Returns InputTooLarge if even the
// mandatory set does not fit.
func (a *Accountant) Truncate(model string, messages []models.ChatMessage, budget int) ([]models.ChatMessage, error) {
	if len(messages) == 0 {
		return messages, nil
	}

	lastUserIdx := lastUserIndex(messages)

	var mandatory []models.ChatMessage
	mandatoryIdx := make(map[int]bool)
	for i, m := range messages {
		if m.Role == string(models.RoleSystem) {
			mandatory = append(mandatory, m)
			mandatoryIdx[i] = true
		}
	}
	if lastUserIdx >= 0 && !mandatoryIdx[lastUserIdx] {
		mandatory = append(mandatory, messages[lastUserIdx])
		mandatoryIdx[lastUserIdx] = true
	}

	used := a.CountMessages(model, mandatory)
	if used > budget {
		return nil, apperr.New(apperr.InputTooLarge, "system messages and final user message alone exceed the token budget")
	}

	// Walk the remaining messages newest to oldest, including each one
	// until the first that does not fit; nothing older than that is kept.
	type slot struct {
		idx int
		msg models.ChatMessage
	}
	var candidates []slot
	for i := len(messages) - 1; i >= 0; i-- {
		if mandatoryIdx[i] {
			continue
		}
		candidates = append(candidates, slot{idx: i, msg: messages[i]})
	}

	included := make(map[int]bool, len(mandatoryIdx))
	for idx := range mandatoryIdx {
		included[idx] = true
	}
	for _, c := range candidates {
		cost := tokensPerMessage + a.Count(model, c.msg.Role) + a.Count(model, c.msg.Content)
		if used+cost > budget {
			break
		}
		used += cost
		included[c.idx] = true
	}

	out := make([]models.ChatMessage, 0, len(included))
	for i, m := range messages {
		if included[i] {
			out = append(out, m)
		}
	}
	return out, nil
}

func lastUserIndex(messages []models.ChatMessage) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == string(models.RoleUser) {
			return i
		}
	}
	return -1
}
