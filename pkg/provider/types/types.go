package types

import "fmt"

// Outcome tags which variant a Result holds.
type Outcome int

const (
	// OutcomeEmpty means the service answered with neither text nor a block reason.
	OutcomeEmpty Outcome = iota
	// OutcomeSuccess carries generated text.
	OutcomeSuccess
	// OutcomeBlocked carries the service's safety block reason.
	OutcomeBlocked
	// OutcomeFailure means a response arrived but could not be used.
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeFailure:
		return "failure"
	case OutcomeEmpty:
		return "empty"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the normalized generation response. Exactly one of Text,
// BlockReason or Cause is meaningful, selected by Outcome.
type Result struct {
	Outcome     Outcome
	Text        string
	BlockReason string
	Cause       string
	Metadata    Metadata
}

// Metadata carries provider/model identity and optional usage accounting.
type Metadata struct {
	Provider string
	Model    string
	Usage    *TokenUsage
}

// TokenUsage captures token accounting across providers.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0
}

func Success(text string) Result {
	return Result{Outcome: OutcomeSuccess, Text: text}
}

func Blocked(reason string) Result {
	return Result{Outcome: OutcomeBlocked, BlockReason: reason}
}

func Failure(cause string) Result {
	return Result{Outcome: OutcomeFailure, Cause: cause}
}

func Empty() Result {
	return Result{Outcome: OutcomeEmpty}
}

// WithMetadata returns a copy of r carrying md.
func (r Result) WithMetadata(md Metadata) Result {
	r.Metadata = md
	return r
}
