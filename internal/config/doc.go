// Package config loads the multiauthd service configuration: a YAML file
// overlaid with environment variables (optionally seeded from .env files),
// turned into a multiauth.Config plus the server-only settings.
package config
