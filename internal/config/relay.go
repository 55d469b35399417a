package config

import "time"

// RelayConfig holds settings for the page-side relay used by the connect command.
type RelayConfig struct {
	BridgeURL            string        `mapstructure:"BRIDGE_URL"             json:"bridge_url"             validate:"required,url"`
	Codec                string        `mapstructure:"CODEC"                  json:"codec"                  validate:"required,codec"`
	Origin               string        `mapstructure:"ORIGIN"                 json:"origin"                 validate:"omitempty,url"`
	ConnectTimeout       time.Duration `mapstructure:"CONNECT_TIMEOUT"        json:"connect_timeout"        validate:"omitempty,timeout_duration"`
	EvictOnDisconnect    bool          `mapstructure:"EVICT_ON_DISCONNECT"    json:"evict_on_disconnect"`
	RetiredCapacity      uint          `mapstructure:"RETIRED_CAPACITY"       json:"retired_capacity"       validate:"max=10000000"`
	RetiredFalsePositive float64       `mapstructure:"RETIRED_FALSE_POSITIVE" json:"retired_false_positive" validate:"gt=0,lt=1"`
}
