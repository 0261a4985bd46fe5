package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onionwire/onionwire/congestion"
)

func TestCongestionConfigWithDefaults(t *testing.T) {
	// Test case 1: Empty config should be populated with all defaults
	withDefaults := CongestionConfig{}.WithDefaults()

	assert.Equal(t, AlgorithmVegas, withDefaults.Algorithm, "Algorithm should be set to default")
	assert.Equal(t, uint32(31), withDefaults.SendmeInc, "SendmeInc should be set to default")
	assert.Equal(t, uint32(124), withDefaults.CwndInit, "CwndInit should be four SENDME intervals")
	assert.Equal(t, uint32(31), withDefaults.CwndMin, "CwndMin should be one SENDME interval")
	assert.Equal(t, uint32(186), withDefaults.VegasAlpha, "VegasAlpha should be set to default")
	assert.Equal(t, uint32(248), withDefaults.VegasBeta, "VegasBeta should be set to default")
	assert.Equal(t, uint32(1000), withDefaults.CircWindowStart, "CircWindowStart should be set to default")
	require.NotNil(t, withDefaults.CwndFullPerCwnd)
	assert.True(t, *withDefaults.CwndFullPerCwnd, "CwndFullPerCwnd should default on")

	// Test case 2: SendmeInc drives the derived window defaults
	derived := CongestionConfig{SendmeInc: 50}.WithDefaults()
	assert.Equal(t, uint32(200), derived.CwndInit, "CwndInit should follow a custom SendmeInc")
	assert.Equal(t, uint32(50), derived.CwndMin, "CwndMin should follow a custom SendmeInc")
	assert.Equal(t, uint32(50), derived.CwndInc, "CwndInc should follow a custom SendmeInc")

	// Test case 3: Custom values are preserved
	custom := CongestionConfig{
		Algorithm:  AlgorithmFixedWindow,
		VegasAlpha: 100,
		VegasBeta:  200,
	}.WithDefaults()
	assert.Equal(t, AlgorithmFixedWindow, custom.Algorithm, "Algorithm custom value should be preserved")
	assert.Equal(t, uint32(100), custom.VegasAlpha, "VegasAlpha custom value should be preserved")
	assert.Equal(t, uint32(200), custom.VegasBeta, "VegasBeta custom value should be preserved")
}

func TestCongestionConfigParams(t *testing.T) {
	p := CongestionConfig{}.WithDefaults().Params()
	assert.Equal(t, congestion.DefaultParams(), p, "defaults should round-trip")

	p = CongestionConfig{Algorithm: AlgorithmFixedWindow}.WithDefaults().Params()
	assert.Equal(t, congestion.AlgFixedWindow, p.Alg)
}

func TestFlowControlConfigWithDefaults(t *testing.T) {
	withDefaults := FlowControlConfig{}.WithDefaults()
	assert.Equal(t, FlowControlXonXoff, withDefaults.Scheme)
	assert.Equal(t, uint32(500), withDefaults.XoffClientCells)
	assert.Equal(t, uint32(25), withDefaults.XonChangePct)
	assert.True(t, withDefaults.GuardEnabled(), "guard should default on")

	off := false
	custom := FlowControlConfig{Scheme: FlowControlWindow, DropMarkGuard: &off}.WithDefaults()
	assert.Equal(t, FlowControlWindow, custom.Scheme)
	assert.False(t, custom.GuardEnabled())
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}.WithDefaults()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Congestion.Algorithm = "reno"
	require.Error(t, bad.Validate())

	bad = cfg
	bad.FlowControl.Scheme = "token-bucket"
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Congestion.CwndMin = bad.Congestion.CwndInit + 1
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Congestion.VegasAlpha = bad.Congestion.VegasBeta + 1
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Congestion.CircWindowStart = 1001
	require.Error(t, bad.Validate())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	// A missing file yields pure defaults.
	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmVegas, cfg.Congestion.Algorithm)

	// A partial file keeps its values and defaults the rest.
	body := []byte("congestion:\n  algorithm: fixed-window\nflowControl:\n  scheme: window\n  xonChangePct: 30\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), body, 0o644))
	cfg, err = LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmFixedWindow, cfg.Congestion.Algorithm)
	assert.Equal(t, FlowControlWindow, cfg.FlowControl.Scheme)
	assert.Equal(t, uint32(30), cfg.FlowControl.XonChangePct)
	assert.Equal(t, uint32(500), cfg.FlowControl.XoffClientCells)

	// Invalid values are rejected at load time.
	body = []byte("congestion:\n  algorithm: reno\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), body, 0o644))
	_, err = LoadConfig(dir)
	require.Error(t, err)
}
