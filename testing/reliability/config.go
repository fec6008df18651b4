// Package reliability stresses hubz under saturation, outage and lifecycle
// churn. HUBZ_RELIABILITY_LEVEL selects the intensity:
//
//	basic:  CI-safe validation
//	stress: production-level load
//
// With the level unset every test skips.
package reliability

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ReliabilityConfig holds configuration for reliability testing
type ReliabilityConfig struct {
	Level            string        `envconfig:"level"`                            // "basic" or "stress"
	Duration         time.Duration `envconfig:"duration" default:"30s"`           // Test duration for stress tests
	MaxGoroutines    int           `envconfig:"max_goroutines" default:"100"`     // Maximum goroutines for concurrent tests
	MaxMemoryMB      int           `envconfig:"max_memory_mb" default:"512"`      // Memory limit for tests
	FailureThreshold float64       `envconfig:"failure_threshold" default:"0.05"` // Failure rate threshold (0.0-1.0)
}

// getReliabilityConfig reads HUBZ_RELIABILITY_* variables. A malformed value
// fails the test rather than silently falling back.
func getReliabilityConfig(t testing.TB) ReliabilityConfig {
	t.Helper()
	var config ReliabilityConfig
	if err := envconfig.Process("hubz_reliability", &config); err != nil {
		t.Fatalf("invalid reliability config: %v", err)
	}
	return config
}
