package config

// Tracing configures OpenTelemetry span export for C8's event handler
// and C10's sending queue. A zero value leaves tracing disabled, the
// same opt-in convention Sentry.Enabled uses.
type Tracing struct {
	Enabled bool `yaml:"enabled"`

	// OTLPEndpoint is the collector's OTLP/HTTP endpoint, e.g.
	// "localhost:4318". Empty uses the exporter's own default.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}
