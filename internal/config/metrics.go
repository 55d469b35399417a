package config

// MetricsConfig holds metrics configuration settings. A zero port serves
// metrics on the bridge listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"ENABLED" json:"enabled"`
	Port    int  `mapstructure:"PORT"    json:"port"    validate:"omitempty,min=1024,max=65535"`
}
