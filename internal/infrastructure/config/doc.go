// Package config handles loading and validating cloud bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Private key paths are read here but key material is never loaded by this package
//   - The config file should have restricted permissions (0600)
//   - Local broker passwords should be set via environment variables
//
// Usage:
//
//	cfg, err := config.Load("configs/cloudbridge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bridge.ID)
package config
