package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Store     StoreConfig
	Mailer    MailerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Domain          string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	// JWTGate enables the optional pre-upgrade token check. In-band
	// account commands work the same either way.
	JWTGate   bool   `mapstructure:"jwtGate"`
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type StoreConfig struct {
	// Driver selects the backing store, "json" or "sqlite".
	Driver string `mapstructure:"driver"`
	// Path is the data directory for json or the database file for sqlite.
	Path string `mapstructure:"path"`
}

type MailerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	Debug    bool   `mapstructure:"debug"`
}

type LogConfig struct {
	Level         string `mapstructure:"level"`
	FrontendLog   string `mapstructure:"frontendLog"`
	FrontendError string `mapstructure:"frontendError"`
}
