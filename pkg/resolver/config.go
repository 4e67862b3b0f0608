package resolver

import "time"

// Config holds the decision thresholds and retry bounds.
type Config struct {
	// AutoAttachThreshold is the lowest confidence attached without review.
	AutoAttachThreshold float64 `json:"auto_attach_threshold"`
	// ReviewThreshold is the lowest confidence that still avoids creating a new entity.
	ReviewThreshold float64 `json:"review_threshold"`

	MaxConflictRetries  int           `json:"max_conflict_retries"`
	MaxTransientRetries int           `json:"max_transient_retries"`
	BackoffBase         time.Duration `json:"backoff_base"`
	BackoffMax          time.Duration `json:"backoff_max"`
}

func DefaultConfig() Config {
	return Config{
		AutoAttachThreshold: 0.90,
		ReviewThreshold:     0.70,
		MaxConflictRetries:  5,
		MaxTransientRetries: 3,
		BackoffBase:         50 * time.Millisecond,
		BackoffMax:          time.Second,
	}
}

// backoff returns the wait before transient retry n (1-based).
func (c Config) backoff(n int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < n && d < c.BackoffMax; i++ {
		d *= 2
	}
	if d > c.BackoffMax {
		d = c.BackoffMax
	}
	return d
}
