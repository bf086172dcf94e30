package policy

import (
	"fmt"
	"strings"
)

// Platform names the trusted execution environment an endpoint claims to
// run on. The platform is chosen at runtime from configuration, and the
// policy lists the runtime measurement expected for each platform it
// accepts.
type Platform string

const (
	PlatformMock      Platform = "mock"
	PlatformSGX       Platform = "sgx"
	PlatformTrustZone Platform = "trustzone"
	PlatformNitro     Platform = "nitro"
)

// Platforms lists every supported platform in a stable order.
var Platforms = []Platform{PlatformMock, PlatformSGX, PlatformTrustZone, PlatformNitro}

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePlatform converts a configuration value into a Platform.
// Matching is case-insensitive.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown platform %q: must be one of %v", s, Platforms)
	}
	return p, nil
}

// ExecutionStrategy selects how the endpoint runs the program artifact.
type ExecutionStrategy string

const (
	// StrategyInterpretation runs the program in an interpreter. This is
	// the default: startup is fast and behaviour is identical on every
	// host architecture.
	StrategyInterpretation ExecutionStrategy = "interpretation"

	// StrategyJIT compiles the program to native code before running it.
	StrategyJIT ExecutionStrategy = "jit"
)

// Valid reports whether s is a known execution strategy.
func (s ExecutionStrategy) Valid() bool {
	return s == StrategyInterpretation || s == StrategyJIT
}
