// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Load reads a file, LoadWithDefaults fills optional fields and
// LoadAndValidate additionally rejects incomplete or inconsistent settings.
package config
