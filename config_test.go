package ccgan

import (
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Device != CPU {
		t.Errorf("Device = %s, expected %s", config.Device, CPU)
	}
	if config.BatchNormMomentum != 0.1 {
		t.Errorf("BatchNormMomentum = %f, expected 0.1", config.BatchNormMomentum)
	}
	if config.BatchNormEpsilon != 1e-5 {
		t.Errorf("BatchNormEpsilon = %e, expected 1e-5", config.BatchNormEpsilon)
	}
	if config.PowerIterations != 1 {
		t.Errorf("PowerIterations = %d, expected 1", config.PowerIterations)
	}
	if config.SpectralNormEpsilon != 1e-12 {
		t.Errorf("SpectralNormEpsilon = %e, expected 1e-12", config.SpectralNormEpsilon)
	}
}

func TestEnsureConfigDefaults(t *testing.T) {
	filled, err := ensureConfig(nil)
	if err != nil {
		t.Fatalf("Can't ensure nil config: %v", err)
	}
	if filled.Device != CPU || filled.BatchNormMomentum != 0.1 || filled.PowerIterations != 1 {
		t.Errorf("Nil config was not replaced with defaults: %+v", filled)
	}

	empty := &Config{}
	filled, err = ensureConfig(empty)
	if err != nil {
		t.Fatalf("Can't ensure empty config: %v", err)
	}
	if filled.Device != CPU {
		t.Errorf("Device = %s, expected %s", filled.Device, CPU)
	}
	if filled.BatchNormMomentum != 0.1 {
		t.Errorf("BatchNormMomentum = %f, expected 0.1", filled.BatchNormMomentum)
	}
	if filled.BatchNormEpsilon != 1e-5 {
		t.Errorf("BatchNormEpsilon = %e, expected 1e-5", filled.BatchNormEpsilon)
	}
	if filled.PowerIterations != 1 {
		t.Errorf("PowerIterations = %d, expected 1", filled.PowerIterations)
	}
	if filled.SpectralNormEpsilon != 1e-12 {
		t.Errorf("SpectralNormEpsilon = %e, expected 1e-12", filled.SpectralNormEpsilon)
	}
	if empty.Device != "" || empty.BatchNormMomentum != 0 {
		t.Errorf("Provided config was mutated: %+v", empty)
	}
}

func TestEnsureConfigKeepsExplicitValues(t *testing.T) {
	config := &Config{
		BatchNormMomentum:   0.25,
		BatchNormEpsilon:    1e-3,
		PowerIterations:     5,
		SpectralNormEpsilon: 1e-8,
	}
	filled, err := ensureConfig(config)
	if err != nil {
		t.Fatalf("Can't ensure config: %v", err)
	}
	if filled.BatchNormMomentum != 0.25 || filled.BatchNormEpsilon != 1e-3 || filled.PowerIterations != 5 || filled.SpectralNormEpsilon != 1e-8 {
		t.Errorf("Explicit values were not kept: %+v", filled)
	}
}

func TestEnsureConfigValidation(t *testing.T) {
	if _, err := ensureConfig(&Config{Device: CUDA}); err == nil {
		t.Error("Expected error for CUDA device in a CPU-only build")
	}
	if _, err := ensureConfig(&Config{Device: Device("tpu")}); err == nil {
		t.Error("Expected error for unknown device")
	}
	if _, err := ensureConfig(&Config{BatchNormMomentum: 1.5}); err == nil {
		t.Error("Expected error for momentum above 1")
	}
	if _, err := ensureConfig(&Config{BatchNormMomentum: -0.5}); err == nil {
		t.Error("Expected error for negative momentum")
	}
}
