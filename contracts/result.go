package contracts

// Outcome classifies what a handler did with an envelope
type Outcome int

const (
	// OutcomeSuccess means the envelope was processed and can be acknowledged
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable means processing failed but may succeed later
	OutcomeRetryable
	// OutcomeFatal means processing can never succeed
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is returned by every handler
type Result struct {
	Outcome Outcome
	Reason  string
}

// Success reports successful processing
func Success() Result {
	return Result{Outcome: OutcomeSuccess}
}

// RetryableFailure reports a failure worth retrying
func RetryableFailure(reason string) Result {
	return Result{Outcome: OutcomeRetryable, Reason: reason}
}

// FatalFailure reports a failure that must go straight to the dead-letter queue
func FatalFailure(reason string) Result {
	return Result{Outcome: OutcomeFatal, Reason: reason}
}

// IsSuccess returns true for OutcomeSuccess
func (r Result) IsSuccess() bool {
	return r.Outcome == OutcomeSuccess
}

func (r Result) String() string {
	if r.Reason == "" {
		return r.Outcome.String()
	}
	return r.Outcome.String() + ": " + r.Reason
}
