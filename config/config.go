// Package config loads and validates the node configuration: congestion
// control tunables, stream flow control tunables, and logging.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/onionwire/onionwire/congestion"
	"github.com/onionwire/onionwire/flowctl"
)

const (
	AlgorithmVegas       = "vegas"
	AlgorithmFixedWindow = "fixed-window"

	FlowControlWindow  = "window"
	FlowControlXonXoff = "xon-xoff"
)

type CongestionConfig struct {
	// The congestion control algorithm circuits run.
	// Options: "vegas", "fixed-window".
	Algorithm string `yaml:"algorithm"`
	// The number of cells one SENDME acknowledges.
	SendmeInc uint32 `yaml:"sendmeInc"`
	// Congestion window bounds and update cadence, in cells.
	CwndInit     uint32 `yaml:"cwndInit"`
	CwndMin      uint32 `yaml:"cwndMin"`
	CwndInc      uint32 `yaml:"cwndInc"`
	CwndIncRate  uint32 `yaml:"cwndIncRate"`
	CwndIncPctSS uint32 `yaml:"cwndIncPctSs"`
	// Window fullness detection.
	CwndFullGap     uint32 `yaml:"cwndFullGap"`
	CwndFullMinPct  uint32 `yaml:"cwndFullMinPct"`
	CwndFullPerCwnd *bool  `yaml:"cwndFullPerCwnd"`
	// Round-trip estimator tunables.
	RTTEwmaCwndPct uint32 `yaml:"rttEwmaCwndPct"`
	RTTEwmaMax     uint32 `yaml:"rttEwmaMax"`
	RTTEwmaSSMax   uint32 `yaml:"rttEwmaSsMax"`
	RTTResetPct    uint32 `yaml:"rttResetPct"`
	// Queue-use thresholds for the dynamic algorithm, in cells.
	VegasAlpha     uint32 `yaml:"vegasAlpha"`
	VegasBeta      uint32 `yaml:"vegasBeta"`
	VegasGamma     uint32 `yaml:"vegasGamma"`
	VegasDelta     uint32 `yaml:"vegasDelta"`
	VegasSSCwndCap uint32 `yaml:"vegasSsCwndCap"`
	VegasSSCwndMax uint32 `yaml:"vegasSsCwndMax"`
	// Legacy fixed-window tunables.
	CircWindowStart     uint32 `yaml:"circWindowStart"`
	CircWindowIncrement uint32 `yaml:"circWindowIncrement"`
}

// WithDefaults returns a copy of the CongestionConfig with any missing
// fields set to their default values.
func (c CongestionConfig) WithDefaults() CongestionConfig {
	def := congestion.DefaultParams()
	cpy := c
	if cpy.Algorithm == "" {
		cpy.Algorithm = AlgorithmVegas
	}
	if cpy.SendmeInc == 0 {
		cpy.SendmeInc = def.Window.SendmeInc
	}
	if cpy.CwndInit == 0 {
		cpy.CwndInit = 4 * cpy.SendmeInc
	}
	if cpy.CwndMin == 0 {
		cpy.CwndMin = cpy.SendmeInc
	}
	if cpy.CwndInc == 0 {
		cpy.CwndInc = cpy.SendmeInc
	}
	if cpy.CwndIncRate == 0 {
		cpy.CwndIncRate = def.Window.IncrementRate
	}
	if cpy.CwndIncPctSS == 0 {
		cpy.CwndIncPctSS = def.Window.IncrementPctSS
	}
	if cpy.CwndFullGap == 0 {
		cpy.CwndFullGap = def.Window.FullGap
	}
	if cpy.CwndFullMinPct == 0 {
		cpy.CwndFullMinPct = def.Window.FullMinPct
	}
	if cpy.CwndFullPerCwnd == nil {
		v := def.Window.FullPerCwnd
		cpy.CwndFullPerCwnd = &v
	}
	if cpy.RTTEwmaCwndPct == 0 {
		cpy.RTTEwmaCwndPct = def.RTT.EwmaCwndPct
	}
	if cpy.RTTEwmaMax == 0 {
		cpy.RTTEwmaMax = def.RTT.EwmaMax
	}
	if cpy.RTTEwmaSSMax == 0 {
		cpy.RTTEwmaSSMax = def.RTT.EwmaSSMax
	}
	if cpy.RTTResetPct == 0 {
		cpy.RTTResetPct = def.RTT.RTTResetPct
	}
	if cpy.VegasAlpha == 0 {
		cpy.VegasAlpha = def.Vegas.Alpha
	}
	if cpy.VegasBeta == 0 {
		cpy.VegasBeta = def.Vegas.Beta
	}
	if cpy.VegasGamma == 0 {
		cpy.VegasGamma = def.Vegas.Gamma
	}
	if cpy.VegasDelta == 0 {
		cpy.VegasDelta = def.Vegas.Delta
	}
	if cpy.VegasSSCwndCap == 0 {
		cpy.VegasSSCwndCap = def.Vegas.SSCwndCap
	}
	if cpy.VegasSSCwndMax == 0 {
		cpy.VegasSSCwndMax = def.Vegas.SSCwndMax
	}
	if cpy.CircWindowStart == 0 {
		cpy.CircWindowStart = def.Fixed.CircWindowStart
	}
	if cpy.CircWindowIncrement == 0 {
		cpy.CircWindowIncrement = def.Fixed.CircWindowIncrement
	}
	return cpy
}

// Params converts the config into congestion control parameters. The
// config must have been filled in with WithDefaults first.
func (c CongestionConfig) Params() congestion.Params {
	p := congestion.Params{
		Window: congestion.WindowParams{
			Init:           c.CwndInit,
			Min:            c.CwndMin,
			Max:            congestion.DefaultParams().Window.Max,
			Increment:      c.CwndInc,
			IncrementRate:  c.CwndIncRate,
			IncrementPctSS: c.CwndIncPctSS,
			SendmeInc:      c.SendmeInc,
			FullGap:        c.CwndFullGap,
			FullMinPct:     c.CwndFullMinPct,
		},
		RTT: congestion.RTTParams{
			EwmaCwndPct: c.RTTEwmaCwndPct,
			EwmaMax:     c.RTTEwmaMax,
			EwmaSSMax:   c.RTTEwmaSSMax,
			RTTResetPct: c.RTTResetPct,
		},
		Vegas: congestion.VegasParams{
			Alpha:     c.VegasAlpha,
			Beta:      c.VegasBeta,
			Gamma:     c.VegasGamma,
			Delta:     c.VegasDelta,
			SSCwndCap: c.VegasSSCwndCap,
			SSCwndMax: c.VegasSSCwndMax,
		},
		Fixed: congestion.FixedWindowParams{
			CircWindowStart:     c.CircWindowStart,
			CircWindowIncrement: c.CircWindowIncrement,
		},
	}
	if c.CwndFullPerCwnd != nil {
		p.Window.FullPerCwnd = *c.CwndFullPerCwnd
	}
	if c.Algorithm == AlgorithmFixedWindow {
		p.Alg = congestion.AlgFixedWindow
	} else {
		p.Alg = congestion.AlgVegas
	}
	return p
}

type FlowControlConfig struct {
	// The stream flow control scheme.
	// Options: "window", "xon-xoff".
	Scheme string `yaml:"scheme"`
	// Buffered-byte limits past which XOFF is sent, in cells.
	XoffClientCells uint32 `yaml:"xoffClientCells"`
	XoffExitCells   uint32 `yaml:"xoffExitCells"`
	// Limit on how often advisory XONs may arrive, in cells of sent
	// data.
	XonRateCells uint32 `yaml:"xonRateCells"`
	// Minimum drain rate change, in percent, worth a fresh XON.
	XonChangePct uint32 `yaml:"xonChangePct"`
	// Smoothing span for the advertised drain rate.
	XonEwmaCnt uint32 `yaml:"xonEwmaCnt"`
	// Whether incoming XON/XOFF timing is policed against the bytes we
	// actually sent.
	DropMarkGuard *bool `yaml:"dropMarkGuard"`
}

// WithDefaults returns a copy of the FlowControlConfig with any missing
// fields set to their default values.
func (c FlowControlConfig) WithDefaults() FlowControlConfig {
	def := flowctl.DefaultParams()
	cpy := c
	if cpy.Scheme == "" {
		cpy.Scheme = FlowControlXonXoff
	}
	if cpy.XoffClientCells == 0 {
		cpy.XoffClientCells = def.XoffClientCells
	}
	if cpy.XoffExitCells == 0 {
		cpy.XoffExitCells = def.XoffExitCells
	}
	if cpy.XonRateCells == 0 {
		cpy.XonRateCells = def.XonRateCells
	}
	if cpy.XonChangePct == 0 {
		cpy.XonChangePct = def.XonChangePct
	}
	if cpy.XonEwmaCnt == 0 {
		cpy.XonEwmaCnt = def.XonEwmaCnt
	}
	if cpy.DropMarkGuard == nil {
		v := true
		cpy.DropMarkGuard = &v
	}
	return cpy
}

// Params converts the config into flow control parameters.
func (c FlowControlConfig) Params() flowctl.Params {
	return flowctl.Params{
		XoffClientCells: c.XoffClientCells,
		XoffExitCells:   c.XoffExitCells,
		XonRateCells:    c.XonRateCells,
		XonChangePct:    c.XonChangePct,
		XonEwmaCnt:      c.XonEwmaCnt,
	}
}

// GuardEnabled reports whether the sidechannel guard should police
// incoming XON/XOFF timing.
func (c FlowControlConfig) GuardEnabled() bool {
	return c.DropMarkGuard == nil || *c.DropMarkGuard
}

type Config struct {
	Congestion  CongestionConfig  `yaml:"congestion"`
	FlowControl FlowControlConfig `yaml:"flowControl"`
	Logger      *LogConfig        `yaml:"logger"`
	LogFile     string            `yaml:"logFile"`
}

// WithDefaults returns a copy of the Config with any missing fields set
// to their default values.
func (c Config) WithDefaults() Config {
	cpy := c
	cpy.Congestion = cpy.Congestion.WithDefaults()
	cpy.FlowControl = cpy.FlowControl.WithDefaults()
	return cpy
}

// Validate rejects combinations the rest of the stack cannot run with.
func (c Config) Validate() error {
	switch c.Congestion.Algorithm {
	case AlgorithmVegas, AlgorithmFixedWindow:
	default:
		return errors.Errorf(
			"unknown congestion algorithm %q",
			c.Congestion.Algorithm,
		)
	}
	switch c.FlowControl.Scheme {
	case FlowControlWindow, FlowControlXonXoff:
	default:
		return errors.Errorf(
			"unknown flow control scheme %q",
			c.FlowControl.Scheme,
		)
	}
	if c.Congestion.CwndMin > c.Congestion.CwndInit {
		return errors.New("cwndMin exceeds cwndInit")
	}
	if c.Congestion.SendmeInc == 0 {
		return errors.New("sendmeInc must be positive")
	}
	if c.Congestion.VegasAlpha > c.Congestion.VegasBeta {
		return errors.New("vegasAlpha exceeds vegasBeta")
	}
	if c.Congestion.CircWindowIncrement == 0 ||
		c.Congestion.CircWindowStart%c.Congestion.CircWindowIncrement != 0 {
		return errors.New(
			"circWindowStart must be a multiple of circWindowIncrement",
		)
	}
	return nil
}

// LoadConfig reads the config file under configPath, fills in defaults,
// and validates the result. A missing file yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Config{}
	file := filepath.Join(configPath, "config.yml")
	data, err := os.ReadFile(file)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load config")
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrap(err, "load config")
		}
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	return &cfg, nil
}
