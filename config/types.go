package config

// RateLimit bounds how fast a single source may submit state mutations over
// RPC. The window is expressed in seconds per replenished request.
type RateLimit struct {
	MutationEverySeconds uint64 `toml:"MutationEverySeconds"`
	MutationBurst        int    `toml:"MutationBurst"`
}

// Telemetry captures the OpenTelemetry exporter knobs for the node.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint,omitempty"`
	Insecure    bool    `toml:"Insecure"`
	Metrics     bool    `toml:"Metrics"`
	Traces      bool    `toml:"Traces"`
	SampleRatio float64 `toml:"SampleRatio"`
}
