// Package envcfg loads the agent's bootstrap configuration from environment
// variables. Dynamic configuration is handled separately through the
// merge-patch store; these values only seed process startup.
package envcfg

import (
	"os"
	"strconv"
)

// Config holds the bootstrap configuration.
type Config struct {
	// Transport endpoints
	CommandAddr string
	DataAddr    string
	BulkAddr    string
	StatsdAddr  string
	OTLPAddr    string

	// Service identity
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Agent behaviour
	IntervalMillis int
	TracingEnabled bool
	HealthPort     string
	LogLevel       string
}

// Load reads the configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		CommandAddr: getEnv("NSOLID_COMMAND", ""),
		DataAddr:    getEnv("NSOLID_DATA", ""),
		BulkAddr:    getEnv("NSOLID_BULK", ""),
		StatsdAddr:  getEnv("NSOLID_STATSD", ""),
		OTLPAddr:    getEnv("NSOLID_OTLP", ""),

		ServiceName:    getEnv("NSOLID_APPNAME", "nsolid-agent"),
		ServiceVersion: getEnv("SERVICE_VERSION", "1.0.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),

		IntervalMillis: getEnvAsInt("NSOLID_INTERVAL", 3000),
		TracingEnabled: getEnvAsBool("NSOLID_TRACING_ENABLED", false),
		HealthPort:     getEnv("NSOLID_HEALTH_PORT", "8080"),
		LogLevel:       getEnv("LOG_LEVEL", "INFO"),
	}
}

// getEnv gets an environment variable with a default fallback.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer with a default
// fallback.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as boolean with a default
// fallback.
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
