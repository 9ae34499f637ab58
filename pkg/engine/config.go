package engine

// Config holds configuration for the negotiation engine.
type Config struct {
	// MaxAttempts caps the number of resubmissions in one negotiation.
	// The engine always enforces the total stage count across the offered
	// flows as an upper bound; a positive MaxAttempts lowers it further.
	// Zero or negative means use only the derived bound.
	MaxAttempts int
}

// attemptLimit returns the effective bound for a challenge offering
// totalStages stages.
func (c Config) attemptLimit(totalStages int) int {
	if c.MaxAttempts > 0 && c.MaxAttempts < totalStages {
		return c.MaxAttempts
	}
	return totalStages
}
