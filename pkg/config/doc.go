// Package config loads the YAML configuration of a dispatch run, applies
// defaults, validates it and resolves SMTP credential references.
package config
