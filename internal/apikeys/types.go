package apikeys

import (
	"time"

	"localrouter/internal/api"
)

// RateLimitOverride carries per-key limits. A nil override means the
// service-wide defaults apply.
type RateLimitOverride struct {
	TokensPerMinute int `json:"tokens_per_minute,omitempty"`
	MaxConcurrent   int `json:"max_concurrent,omitempty"`
}

// Record is the metadata half of an API key. The plaintext secret lives
// in the keychain under (ServiceAPIKeys, ID); the metadata stores only
// a hash. Exactly one keychain entry exists per record.
type Record struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	SecretHash string             `json:"secret_hash"`
	Enabled    bool               `json:"enabled"`
	CreatedAt  time.Time          `json:"created_at"`
	RateLimits *RateLimitOverride `json:"rate_limits,omitempty"`
	Selection  api.ModelSelection `json:"selection"`
}

// ClientRecord is the metadata for an MCP bridge client. Clients carry
// a generated secret (same lr- format) used as the bearer token on the
// /mcp endpoint.
type ClientRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
