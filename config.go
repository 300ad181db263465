package ccgan

import (
	"fmt"
)

// Device Compute device selector for network construction
type Device string

const (
	// CPU Default device, always available
	CPU = Device("cpu")
	// CUDA Requires gorgonia's CUDA build (build tag 'cuda' and a CUDA toolchain)
	CUDA = Device("cuda")
)

// Config Explicit configuration threaded through every network constructor.
//
// Device - compute device selector. Only CPU is supported in this build
// BatchNormMomentum - weight of fresh batch statistics in the running estimates. Default is 0.1
// BatchNormEpsilon - stabilizer added to variance before taking the square root. Default is 1e-5
// PowerIterations - number of power-iteration steps per PowerIterate() call. Default is 1
// SpectralNormEpsilon - stabilizer for singular vector normalization. Default is 1e-12
//
type Config struct {
	Device              Device
	BatchNormMomentum   float64
	BatchNormEpsilon    float64
	PowerIterations     int
	SpectralNormEpsilon float64
}

// DefaultConfig Returns configuration with the commonly used defaults
func DefaultConfig() *Config {
	return &Config{
		Device:              CPU,
		BatchNormMomentum:   0.1,
		BatchNormEpsilon:    1e-5,
		PowerIterations:     1,
		SpectralNormEpsilon: 1e-12,
	}
}

// ensureConfig Fills zero-valued fields with defaults and validates the result.
// Nil config is replaced with DefaultConfig(). The provided config is not mutated.
func ensureConfig(config *Config) (*Config, error) {
	if config == nil {
		return DefaultConfig(), nil
	}
	c := *config
	if c.Device == "" {
		c.Device = CPU
	}
	switch c.Device {
	case CPU:
	case CUDA:
		return nil, fmt.Errorf("Device '%s': built without CUDA support", c.Device)
	default:
		return nil, fmt.Errorf("Device '%s' is not supported", c.Device)
	}
	if c.BatchNormMomentum == 0 {
		c.BatchNormMomentum = 0.1
	}
	if c.BatchNormMomentum < 0 || c.BatchNormMomentum > 1 {
		return nil, fmt.Errorf("Batch normalization momentum must be in [0;1], but got %f", c.BatchNormMomentum)
	}
	if c.BatchNormEpsilon <= 0 {
		c.BatchNormEpsilon = 1e-5
	}
	if c.PowerIterations <= 0 {
		c.PowerIterations = 1
	}
	if c.SpectralNormEpsilon <= 0 {
		c.SpectralNormEpsilon = 1e-12
	}
	return &c, nil
}
