// Package config assembles the process's immutable runtime configuration
// from flags layered over environment variables. There are no
// package-level mutable globals; downstream constructors are passed the
// individual Config values they need explicitly.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"time"
)

// Config is the fully-resolved, read-only configuration for either the
// server or the client binary. Fields unused by a given binary are left
// zero-valued.
type Config struct {
	// Shared
	Suffix string
	Key    [32]byte

	// Server
	Host        string
	Port        int
	IdleTimeout time.Duration

	// Upstream LLM
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string

	// Optional web_search tool
	PerplexityAPIKey string

	// Client
	Server  string
	Verbose bool
}

// GenerateKey returns a fresh 256-bit key, base64-encoded for display.
func GenerateKey() (string, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// ParseKey decodes a base64-encoded 256-bit key as produced by GenerateKey.
func ParseKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("key must decode to 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// LoadOrGenerateServerKey reads LLM_PROXY_KEY from the environment. If it is
// absent, a fresh key is generated and printed to stderr once so the
// operator can copy it to the client.
func LoadOrGenerateServerKey() ([32]byte, error) {
	if s := os.Getenv("LLM_PROXY_KEY"); s != "" {
		return ParseKey(s)
	}
	encoded, err := GenerateKey()
	if err != nil {
		return [32]byte{}, err
	}
	fmt.Fprintf(os.Stderr, "LLM_PROXY_KEY not set; generated one for this run:\n  %s\n", encoded)
	return ParseKey(encoded)
}

// EnvOrDefault returns the named environment variable, or def if unset.
func EnvOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
