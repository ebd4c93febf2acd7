package config

// RateLimiting configures the token-bucket limiter httputil.RateLimits
// applies to incoming federation requests (spec's transaction and PDU/state
// fetch edges).
type RateLimiting struct {
	// Enabled determines whether rate limiting is applied at all.
	Enabled bool `yaml:"enabled"`

	// Threshold is the number of requests a caller may make in a burst
	// before being rate limited.
	Threshold int64 `yaml:"threshold"`

	// CooloffMS is the cooloff period, in milliseconds, used to derive the
	// token bucket's refill rate from Threshold.
	CooloffMS int64 `yaml:"cooloff_ms"`

	// ExemptServerNames lists origin server names that bypass rate
	// limiting entirely, e.g. servers in a trusted federation.
	ExemptServerNames []string `yaml:"exempt_server_names"`

	// ExemptIPAddresses lists IP addresses or CIDR ranges that bypass rate
	// limiting, regardless of caller identity.
	ExemptIPAddresses []string `yaml:"exempt_ip_addresses"`

	// PerEndpointOverrides replaces the default threshold/cooloff for
	// specific request paths, keyed by the path as it appears on the
	// incoming request (e.g. "/_matrix/federation/v1/send/{txnID}" after
	// routing, or a raw prefix for simpler deployments).
	PerEndpointOverrides map[string]RateLimitEndpointOverride `yaml:"per_endpoint_overrides"`
}

// RateLimitEndpointOverride overrides the default threshold/cooloff for a
// single endpoint.
type RateLimitEndpointOverride struct {
	Threshold int64 `yaml:"threshold"`
	CooloffMS int64 `yaml:"cooloff_ms"`
}

// Defaults sets values for fields that are not customised.
func (c *RateLimiting) Defaults() {
	c.Enabled = true
	c.Threshold = 20
	c.CooloffMS = 500
}
