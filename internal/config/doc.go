// Package config loads and validates waterlog configuration.
//
// Configuration comes from a TOML file (default ~/.config/waterlog/config.toml
// or ./waterlog.toml), with a .env file consulted for secrets such as the
// embedding API key. Loaded configs have all path fields expanded and
// normalized, and callers can rely on Validate having passed.
package config
