// Package config loads process configuration from the environment. A .env
// file in the working directory is read first when present; variables already
// set in the environment win.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Relay configures cmd/relay.
type Relay struct {
	Host            string        `env:"HOST,default=localhost"`
	Port            int           `env:"PORT,default=8080"`
	EndpointPath    string        `env:"ENDPOINT_PATH,default=/ws"`
	JWTSecret       string        `env:"JWT_SECRET,required=true"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
	SendBufferSize  int           `env:"SEND_BUFFER_SIZE,default=64"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE,default=65536"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=5s"`
}

// Client configures cmd/chat. Flags may override any field.
type Client struct {
	ServerAddress string        `env:"CHAT_SERVER_ADDR,default=localhost:8080"`
	EndpointPath  string        `env:"CHAT_ENDPOINT_PATH,default=/ws"`
	Token         string        `env:"CHAT_TOKEN"`
	JoinTimeout   time.Duration `env:"CHAT_JOIN_TIMEOUT"`
	NoColor       bool          `env:"CHAT_NO_COLOR"`
	LogLevel      string        `env:"LOG_LEVEL,default=ERROR"`
}

// Token configures cmd/token.
type Token struct {
	JWTSecret string        `env:"JWT_SECRET,required=true"`
	TTL       time.Duration `env:"TOKEN_TTL,default=30m"`
}

func LoadRelay() (Relay, error) {
	var c Relay
	if err := load(&c); err != nil {
		return Relay{}, err
	}
	return c, c.Validate()
}

func LoadClient() (Client, error) {
	var c Client
	if err := load(&c); err != nil {
		return Client{}, err
	}
	return c, nil
}

func LoadToken() (Token, error) {
	var c Token
	if err := load(&c); err != nil {
		return Token{}, err
	}
	if c.TTL <= 0 {
		return Token{}, fmt.Errorf("%w: TOKEN_TTL must be positive", ErrInvalidConfig)
	}
	return c, nil
}

func (c Relay) Validate() error {
	switch {
	case c.JWTSecret == "":
		return fmt.Errorf("%w: JWT_SECRET is empty", ErrInvalidConfig)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: PORT %d out of range", ErrInvalidConfig, c.Port)
	case !strings.HasPrefix(c.EndpointPath, "/"):
		return fmt.Errorf("%w: ENDPOINT_PATH %q must start with /", ErrInvalidConfig, c.EndpointPath)
	case c.SendBufferSize <= 0:
		return fmt.Errorf("%w: SEND_BUFFER_SIZE must be positive", ErrInvalidConfig)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("%w: WRITE_TIMEOUT must be positive", ErrInvalidConfig)
	}
	return nil
}

func load(v any) error {
	_ = godotenv.Load()
	if _, err := env.UnmarshalFromEnviron(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
