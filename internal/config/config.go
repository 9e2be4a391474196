package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	ServerURL           string            `mapstructure:"server_url"`
	Username            string            `mapstructure:"username"`
	Secret              string            `mapstructure:"secret"`
	PollIntervalSeconds int               `mapstructure:"poll_interval_seconds"`
	DefaultPersona      string            `mapstructure:"default_persona"`
	Personas            map[string]string `mapstructure:"personas"`
	PersonasFile        string            `mapstructure:"personas_file"`
	LogLevel            string            `mapstructure:"log_level"`
	LogFormat           string            `mapstructure:"log_format"`
	Headless            bool              `mapstructure:"headless"`
}

func Default() *Config {
	return &Config{
		PollIntervalSeconds: 5,
		DefaultPersona:      "Online",
		Personas:            map[string]string{},
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("agent")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PRESENCE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// Personas from a standalone file are merged over the inline map so a
	// shared mapping file can be distributed separately from credentials.
	if cfg.PersonasFile != "" {
		extra, err := LoadPersonas(cfg.PersonasFile)
		if err != nil {
			return nil, err
		}
		for proc, persona := range extra {
			cfg.Personas[proc] = persona
		}
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("server_url", cfg.ServerURL)
	viper.Set("username", cfg.Username)
	viper.Set("secret", cfg.Secret)
	viper.Set("poll_interval_seconds", cfg.PollIntervalSeconds)
	viper.Set("default_persona", cfg.DefaultPersona)
	viper.Set("personas", cfg.Personas)
	viper.Set("personas_file", cfg.PersonasFile)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("headless", cfg.Headless)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "agent.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (names the account)
	return os.Chmod(cfgPath, 0600)
}

// Dir returns the platform config directory, also used for the session file.
func Dir() string {
	return configDir()
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Presencelink")
	case "darwin":
		return "/Library/Application Support/Presencelink"
	default:
		return "/etc/presencelink"
	}
}
