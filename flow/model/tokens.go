package model

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator approximates token counts for budget checks when a provider
// (or the Mock) reports no usage. Encoding data loads lazily on first use.
type Estimator struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
}

// encodingFor maps model-name prefixes to tiktoken encodings. Anything
// unrecognized falls back to cl100k_base, which is close enough for
// ceiling enforcement across vendors.
var encodingFor = map[string]string{
	"gpt-4o":  "o200k_base",
	"gpt-4":   "cl100k_base",
	"gpt-3.5": "cl100k_base",
}

// NewEstimator creates an Estimator for the given model name.
func NewEstimator(modelName string) *Estimator {
	encoding := "cl100k_base"
	for prefix, enc := range encodingFor {
		if len(modelName) >= len(prefix) && modelName[:len(prefix)] == prefix {
			encoding = enc
			break
		}
	}
	return &Estimator{encoding: encoding}
}

func (e *Estimator) init() error {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			e.initErr = fmt.Errorf("load tiktoken encoding %s: %w", e.encoding, err)
			return
		}
		e.enc = enc
	})
	return e.initErr
}

// Count returns the token count of text.
func (e *Estimator) Count(text string) (int, error) {
	if err := e.init(); err != nil {
		return 0, err
	}
	return len(e.enc.Encode(text, nil, nil)), nil
}

// CountMessages sums the token counts of a conversation, with a small
// per-message framing overhead matching the OpenAI chat format.
func (e *Estimator) CountMessages(messages []Message) (int, error) {
	if err := e.init(); err != nil {
		return 0, err
	}

	total := 0
	for _, msg := range messages {
		total += 4 // role and separators
		total += len(e.enc.Encode(msg.Content, nil, nil))
	}
	return total, nil
}
