// Package config handles loading and validating fanout gateway configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with FANOUT_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Broker credentials and the InfluxDB token should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(os.Getenv("FANOUT_CONFIG"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, l := range cfg.Gateway.Listen {
//	    fmt.Println(l.HostPort())
//	}
package config
