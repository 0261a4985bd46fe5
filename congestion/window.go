package congestion

// State is the phase the congestion controller is in.
type State int

const (
	// StateSlowStart grows the window aggressively to find capacity.
	StateSlowStart State = iota
	// StateSteady holds the window near the estimated optimum.
	StateSteady
)

// InSlowStart reports whether the controller is still in slow start.
func (s State) InSlowStart() bool { return s == StateSlowStart }

// Window is a congestion window with its fullness tracking. All values
// are in cells.
type Window struct {
	params WindowParams
	value  uint32
	isFull bool
}

// NewWindow returns a window at its initial value.
func NewWindow(p WindowParams) *Window {
	return &Window{params: p, value: p.Init}
}

// Dec shrinks the window by one increment, never below the minimum.
func (w *Window) Dec() {
	v := w.value
	if v >= w.Increment() {
		v -= w.Increment()
	} else {
		v = 0
	}
	if v < w.params.Min {
		v = w.params.Min
	}
	w.value = v
}

// Inc grows the window by one increment, never past the maximum.
func (w *Window) Inc() {
	v := w.value + w.Increment()
	if v < w.value || v > w.params.Max {
		v = w.params.Max
	}
	w.value = v
}

// Get returns the current window value.
func (w *Window) Get() uint32 { return w.value }

// Set overwrites the window value.
func (w *Window) Set(v uint32) { w.value = v }

// Min returns the window floor.
func (w *Window) Min() uint32 { return w.params.Min }

// Increment returns the step used by Inc and Dec.
func (w *Window) Increment() uint32 { return w.params.Increment }

// IncrementRate returns how often the window updates in steady state.
func (w *Window) IncrementRate() uint32 { return w.params.IncrementRate }

// SendmeInc returns the number of cells one SENDME acknowledges.
func (w *Window) SendmeInc() uint32 { return w.params.SendmeInc }

// IsFull reports whether the window was recently fully used.
func (w *Window) IsFull() bool { return w.isFull }

// ResetFull clears the fullness flag.
func (w *Window) ResetFull() { w.isFull = false }

// FullGap returns the fullness slack, in SENDME intervals.
func (w *Window) FullGap() uint32 { return w.params.FullGap }

// FullMinPct returns the usage percentage below which the window stops
// counting as full.
func (w *Window) FullMinPct() uint32 { return w.params.FullMinPct }

// FullPerCwnd reports whether the fullness flag expires once per window
// rather than once per update interval.
func (w *Window) FullPerCwnd() bool { return w.params.FullPerCwnd }

// UpdateRate returns how many SENDMEs should pass between window
// updates in the given state.
func (w *Window) UpdateRate(state State) uint32 {
	if state.InSlowStart() {
		return 1
	}
	d := w.IncrementRate() * w.SendmeInc()
	return (w.Get() + d/2) / d
}

// SendmePerCwnd returns the number of SENDMEs expected per full window.
func (w *Window) SendmePerCwnd() uint32 {
	return (w.Get() + w.SendmeInc()/2) / w.SendmeInc()
}

// Rfc3742SSInc applies one limited slow start increment, capped above
// ssCap, and returns the amount added.
func (w *Window) Rfc3742SSInc(ssCap uint32) uint32 {
	var inc uint32
	if w.Get() <= ssCap {
		inc = (w.params.IncrementPctSS*w.SendmeInc() + 50) / 100
	} else {
		inc = (w.SendmeInc()*ssCap + w.Get()) / (w.Get() * 2)
		if inc < 1 {
			inc = 1
		}
	}
	w.value += inc
	return inc
}

// EvalFullness updates the fullness flag: the window is full once the
// inflight count comes within fullGap SENDME intervals of it, and stops
// being full when usage drops below fullMinPct percent. In between the
// flag is left alone.
func (w *Window) EvalFullness(inflight, fullGap, fullMinPct uint32) {
	if inflight+w.SendmeInc()*fullGap >= w.Get() {
		w.isFull = true
	} else if 100*inflight < fullMinPct*w.Get() {
		w.isFull = false
	}
}
