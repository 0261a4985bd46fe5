package flowctl

import "math"

// RateLimit is a send rate ceiling in bytes per second, as dictated by
// the peer's XON/XOFF messages.
type RateLimit uint64

const (
	// RateZero forbids sending; the effect of an XOFF.
	RateZero RateLimit = 0
	// RateUnlimited removes the ceiling; the effect of an XON
	// advertising an unlimited rate.
	RateUnlimited RateLimit = math.MaxUint64
)

// rateFromKbps converts an advertised XON rate to bytes per second.
// Zero kilobits per second means unlimited.
func rateFromKbps(kbps uint32) RateLimit {
	if kbps == 0 {
		return RateUnlimited
	}
	return RateLimit(uint64(kbps) * 1000 / 8)
}

// DrainRate smooths the observed drain rate of a stream's receive
// buffer for advertising in XON messages.
type DrainRate struct {
	n        uint32
	kbps     uint32
	hasValue bool
}

// NewDrainRate returns a smoother with span n.
func NewDrainRate(n uint32) *DrainRate {
	if n < 1 {
		n = 1
	}
	return &DrainRate{n: n}
}

// Update folds a new rate sample in and returns the smoothed value in
// kilobits per second.
func (d *DrainRate) Update(kbps uint32) uint32 {
	if !d.hasValue {
		d.kbps = kbps
		d.hasValue = true
		return d.kbps
	}
	n := uint64(d.n)
	d.kbps = uint32((uint64(kbps)*2 + (n-1)*uint64(d.kbps)) / (n + 1))
	return d.kbps
}

// Value returns the current smoothed rate.
func (d *DrainRate) Value() uint32 { return d.kbps }

// changedEnough reports whether the new rate differs from the last
// advertised one by at least pct percent.
func changedEnough(last, next uint32, pct uint32) bool {
	if last == next {
		return false
	}
	hi, lo := last, next
	if lo > hi {
		hi, lo = lo, hi
	}
	return uint64(hi-lo)*100 >= uint64(pct)*uint64(hi)
}
