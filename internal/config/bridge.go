package config

import (
	"time"

	"github.com/Shugur-Network/w2nb/internal/native"
)

// BridgeConfig holds settings for the bridge server that stands in for the
// browser extension.
type BridgeConfig struct {
	WSAddr         string              `mapstructure:"WS_ADDR"          json:"ws_addr"          validate:"required,wsaddr"`
	Codec          string              `mapstructure:"CODEC"            json:"codec"            validate:"required,codec"`
	MaxMessageSize int                 `mapstructure:"MAX_MESSAGE_SIZE" json:"max_message_size" validate:"required,min=1024,max=67108864"`
	Workers        int                 `mapstructure:"WORKERS"          json:"workers"          validate:"required,min=1,max=1024"`
	JobBuffer      int                 `mapstructure:"JOB_BUFFER"       json:"job_buffer"       validate:"required,min=1,max=100000"`
	MaxConnections int                 `mapstructure:"MAX_CONNECTIONS"  json:"max_connections"  validate:"required,min=1,max=100000"`
	StopTimeout    time.Duration       `mapstructure:"STOP_TIMEOUT"     json:"stop_timeout"     validate:"required,timeout_duration"`
	OpenRate       OpenRateConfig      `mapstructure:"OPEN_RATE"        json:"open_rate"`
	Applications   []ApplicationConfig `mapstructure:"APPLICATIONS"     json:"applications"     validate:"dive"`
}

// OpenRateConfig limits how fast one page origin may open connections.
type OpenRateConfig struct {
	PerSecond    float64       `mapstructure:"PER_SECOND"    json:"per_second"    validate:"min=0,max=10000"`
	Burst        int           `mapstructure:"BURST"         json:"burst"         validate:"min=0,max=1000"`
	BanThreshold int           `mapstructure:"BAN_THRESHOLD" json:"ban_threshold" validate:"min=0,max=1000"`
	BanDuration  time.Duration `mapstructure:"BAN_DURATION"  json:"ban_duration"  validate:"omitempty,reasonable_duration"`
}

// ApplicationConfig is the manifest of one native application.
type ApplicationConfig struct {
	Name           string   `mapstructure:"NAME"            json:"name"            validate:"required,app_name"`
	Path           string   `mapstructure:"PATH"            json:"path"            validate:"required"`
	Args           []string `mapstructure:"ARGS"            json:"args"`
	AllowedOrigins []string `mapstructure:"ALLOWED_ORIGINS" json:"allowed_origins"`
}

// Command converts the manifest to a launch command.
func (a ApplicationConfig) Command() native.Command {
	return native.Command{Name: a.Name, Path: a.Path, Args: a.Args}
}

// Application returns the manifest registered under name.
func (b BridgeConfig) Application(name string) (ApplicationConfig, bool) {
	for _, app := range b.Applications {
		if app.Name == name {
			return app, true
		}
	}
	return ApplicationConfig{}, false
}
