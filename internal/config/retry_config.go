package config

import "time"

// BackoffConfig holds the retry parameters used when opening a stream to the
// language model provider.
type BackoffConfig struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// GetAIBackoffConfig returns backoff configuration appropriate for the current environment.
// In test environments, uses much shorter timeouts for faster test execution.
func (c Config) GetAIBackoffConfig() BackoffConfig {
	if c.IsTest() {
		return BackoffConfig{
			MaxElapsedTime:  time.Second,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			Multiplier:      2.0,
		}
	}
	return BackoffConfig{
		MaxElapsedTime:  c.AIBackoffMaxElapsedTime,
		InitialInterval: c.AIBackoffInitialInterval,
		MaxInterval:     c.AIBackoffMaxInterval,
		Multiplier:      c.AIBackoffMultiplier,
	}
}
