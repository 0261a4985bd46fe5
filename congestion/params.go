// Package congestion implements circuit-level congestion control: the
// legacy fixed-window SENDME scheme, the dynamic window algorithm with
// RTT-based queue estimation, and the validator that checks SENDME
// acknowledgments against the traffic they claim to acknowledge.
package congestion

import "math"

// Algorithm selects which congestion control algorithm a circuit runs.
type Algorithm int

const (
	// AlgFixedWindow is the legacy scheme: fixed windows replenished in
	// fixed increments by SENDMEs.
	AlgFixedWindow Algorithm = iota
	// AlgVegas is the dynamic scheme: the window tracks the circuit's
	// bandwidth-delay product estimated from RTT measurements.
	AlgVegas
)

// WindowParams are the congestion window tunables.
type WindowParams struct {
	// Init is the starting window value, in cells.
	Init uint32
	// Min and Max bound the window.
	Min uint32
	Max uint32
	// Increment is how much Inc and Dec move the window.
	Increment uint32
	// IncrementRate is how often, in SENDME intervals, the window is
	// updated in steady state.
	IncrementRate uint32
	// IncrementPctSS scales slow start increments, in percent.
	IncrementPctSS uint32
	// SendmeInc is the number of cells acknowledged by one SENDME.
	SendmeInc uint32
	// FullGap, FullMinPct and FullPerCwnd govern window fullness
	// detection: the window counts as full within FullGap SENDME
	// intervals of the inflight count, stops counting as full below
	// FullMinPct percent usage, and the flag expires once per window
	// when FullPerCwnd is set.
	FullGap     uint32
	FullMinPct  uint32
	FullPerCwnd bool
}

// RTTParams are the round-trip estimator tunables.
type RTTParams struct {
	// EwmaCwndPct scales the smoothing span against the window update
	// rate, in percent.
	EwmaCwndPct uint32
	// EwmaMax caps the smoothing span in steady state; EwmaSSMax caps
	// it in slow start.
	EwmaMax   uint32
	EwmaSSMax uint32
	// RTTResetPct controls how far the minimum RTT resets toward the
	// smoothed RTT when the window sits at its minimum.
	RTTResetPct uint32
}

// VegasParams are the queue-estimation thresholds, in cells.
type VegasParams struct {
	// Alpha, Beta, Gamma and Delta are the queue-use thresholds for
	// increasing, decreasing, exiting slow start, and clamping.
	Alpha uint32
	Beta  uint32
	Gamma uint32
	Delta uint32
	// SSCwndCap caps the per-SENDME increment during slow start;
	// SSCwndMax is the window value that forces a slow start exit.
	SSCwndCap uint32
	SSCwndMax uint32
}

// FixedWindowParams are the legacy scheme tunables.
type FixedWindowParams struct {
	// CircWindowStart is the initial circuit window, in cells; it is
	// also the ceiling that SENDMEs may never push the window past.
	CircWindowStart uint32
	// CircWindowIncrement is how many cells one SENDME acknowledges.
	CircWindowIncrement uint32
}

// Params bundles everything needed to build a Controller.
type Params struct {
	Alg    Algorithm
	Window WindowParams
	RTT    RTTParams
	Vegas  VegasParams
	Fixed  FixedWindowParams
}

// Stream-level window constants for the legacy scheme.
const (
	StreamWindowStart     = 500
	StreamWindowIncrement = 50
)

// DefaultParams returns the consensus defaults for the dynamic
// algorithm with a SENDME interval of 31 cells.
func DefaultParams() Params {
	return Params{
		Alg: AlgVegas,
		Window: WindowParams{
			Init:           4 * 31,
			Min:            31,
			Max:            math.MaxUint32,
			Increment:      31,
			IncrementRate:  1,
			IncrementPctSS: 100,
			SendmeInc:      31,
			FullGap:        4,
			FullMinPct:     25,
			FullPerCwnd:    true,
		},
		RTT: RTTParams{
			EwmaCwndPct: 50,
			EwmaMax:     10,
			EwmaSSMax:   2,
			RTTResetPct: 100,
		},
		Vegas: VegasParams{
			Alpha:     186,
			Beta:      248,
			Gamma:     186,
			Delta:     310,
			SSCwndCap: 600,
			SSCwndMax: 5000,
		},
		Fixed: FixedWindowParams{
			CircWindowStart:     1000,
			CircWindowIncrement: 100,
		},
	}
}

// DefaultFixedParams returns defaults for the legacy scheme.
func DefaultFixedParams() Params {
	p := DefaultParams()
	p.Alg = AlgFixedWindow
	return p
}
