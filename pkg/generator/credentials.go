package generator

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Credentials are provider API keys read from the environment.
type Credentials struct {
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	AnthropicKey  string `env:"ANTHROPIC_API_KEY"`
	OpenRouterKey string `env:"OPENROUTER_API_KEY"`

	// Override, when set, is used for every provider.
	Override string `env:"ARCHGEN_API_KEY"`
}

// LoadCredentials loads the given dotenv files (".env" when none are named)
// into the process environment and parses the provider keys. Missing dotenv
// files are ignored. Variables already set in the environment win.
func LoadCredentials(envFiles ...string) (Credentials, error) {
	loadErr := godotenv.Load(envFiles...)
	if loadErr != nil && !errors.Is(loadErr, fs.ErrNotExist) {
		return Credentials{}, fmt.Errorf("load env file: %w", loadErr)
	}

	var creds Credentials

	err := env.Parse(&creds)
	if err != nil {
		return Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}

	return creds, nil
}

// KeyFor returns the API key to use for provider.
func (c Credentials) KeyFor(provider string) string {
	if c.Override != "" {
		return c.Override
	}

	switch provider {
	case ProviderOpenAI:
		return c.OpenAIKey
	case ProviderAnthropic:
		return c.AnthropicKey
	case ProviderOpenRouter:
		return c.OpenRouterKey
	default:
		return ""
	}
}
