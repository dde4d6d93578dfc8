package config

import "time"

// GetDefaultConfig returns the built-in defaults: loopback on port 3625,
// a bounded tracker, fail-open safety, and no providers or backends.
func GetDefaultConfig() LocalRouterConfig {
	return LocalRouterConfig{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3625,
		},
		Classifier: ClassifierConfig{
			IdleTimeout: 5 * time.Minute,
			LoadBackoff: 30 * time.Second,
		},
		Safety: SafetyConfig{
			ApprovalTimeout: 60 * time.Second,
		},
		Tracker: TrackerConfig{
			Capacity: 1000,
		},
		RateLimits: RateLimitConfig{
			TokensPerMinute: 90000,
			MaxConcurrent:   8,
		},
	}
}
