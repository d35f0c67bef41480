package turn

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator produces a cheap output-token estimate for in-flight text.
// It runs on the session goroutine for every delta, so it must be fast.
type Estimator interface {
	Estimate(text string) int
}

// HeuristicEstimator approximates tokens as len/4. Good enough for live
// progress display.
type HeuristicEstimator struct{}

func (HeuristicEstimator) Estimate(text string) int {
	return (len(text) + 3) / 4
}

// TiktokenEstimator counts tokens with a real BPE encoding.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator builds an estimator for the given model, falling back
// to cl100k_base for unknown models.
func NewTiktokenEstimator(model string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (e *TiktokenEstimator) Estimate(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}
