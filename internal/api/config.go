package api

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the relay configuration, loaded from config.yaml and
// environment variables (dots become underscores).
type Config struct {
	// Port is the port number to listen on.
	Port int `validate:"required,min=1,max=65535"`
	// Hostname is the address to bind.
	Hostname string `validate:"required"`
	Auth     struct {
		// Secret signs room tokens. Base64 encoded; defaults to a
		// random 32-byte value, which invalidates tokens on restart.
		Secret Base64Encoded `validate:"required"`
	}
	SQLite struct {
		// File is the path to the offline buffer database.
		File string `validate:"required"`
		// Migrations is the directory holding the goose migrations.
		Migrations string `validate:"required"`
	}
	Buffer struct {
		// Keep bounds how many buffered messages are retained per room.
		Keep int `validate:"required,min=1"`
	}
	// AllowedOrigins is the CORS allow list.
	AllowedOrigins []string
}

// Base64Encoded decodes base64 config values into bytes.
type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

var validate = validator.New()

// LoadConfig reads the configuration, seeding defaults first. A missing
// config file is fine; env vars alone can configure the relay.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	viper.SetDefault("port", 8080)
	viper.SetDefault("hostname", "0.0.0.0")
	viper.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	viper.SetDefault("sqlite.file", "./relay.db")
	viper.SetDefault("sqlite.migrations", "./migrations")
	viper.SetDefault("buffer.keep", 5000)
	viper.SetDefault("allowedorigins", []string{"*"})

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}
