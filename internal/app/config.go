package app

// Config carries the command-line level settings of the serve mode.
type Config struct {
	// Debug enables verbose logging across the application.
	Debug bool
	// ConfigPath overrides layered configuration with a single
	// directory when set.
	ConfigPath string
}

// NewConfig creates the application configuration.
func NewConfig(debug bool, configPath string) *Config {
	return &Config{
		Debug:      debug,
		ConfigPath: configPath,
	}
}
