// Package llm holds the text-generation client used for LLM-assisted
// importance scoring and the circuit breaker shared by every external
// provider call.
package llm

import "context"

// TextGenerator is the interface for single-prompt LLM completion.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}
