// Package config handles loading and validating hivehub configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with HIVEHUB_* environment variables
//   - Validation of the settings each command needs
//
// Security Considerations:
//   - Sensitive values (passwords, access keys, the signing secret) should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.ValidateServer(); err != nil {
//	    log.Fatal(err)
//	}
package config
