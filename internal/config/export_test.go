package config

import "io"

// LoadWithEnv is [LoadFromReader] with an injectable environment lookup.
func LoadWithEnv(r io.Reader, getenv func(string) string) (*Config, error) {
	return load(r, getenv)
}
