package congestion

import "github.com/pkg/errors"

// fixedWindow is the legacy congestion control scheme: a fixed send
// window drained per data cell and refilled in fixed increments by
// SENDMEs, with an equal receive window policed on the other direction.
type fixedWindow struct {
	params FixedWindowParams

	// sendWindow is how many more data cells we may send.
	sendWindow uint32
	// recvWindow is how many more data cells the peer may send us.
	recvWindow uint32
}

func newFixedWindow(p FixedWindowParams) *fixedWindow {
	return &fixedWindow{
		params:     p,
		sendWindow: p.CircWindowStart,
		recvWindow: p.CircWindowStart,
	}
}

func (f *fixedWindow) isNextCellSendme() bool {
	return f.sendWindow%f.params.CircWindowIncrement == 0
}

func (f *fixedWindow) canSend() bool {
	return f.sendWindow > 0
}

func (f *fixedWindow) window() *Window { return nil }

func (f *fixedWindow) sendWindowValue() uint32 { return f.sendWindow }

func (f *fixedWindow) dataSent() error {
	if f.sendWindow == 0 {
		return errors.New("data sent with empty send window")
	}
	f.sendWindow--
	return nil
}

func (f *fixedWindow) dataReceived() (bool, error) {
	if f.recvWindow == 0 {
		return false, errors.Wrap(ErrProtoViolation, "peer exceeded its data window")
	}
	f.recvWindow--
	return f.recvWindow%f.params.CircWindowIncrement == 0, nil
}

func (f *fixedWindow) sendmeSent() error {
	next := f.recvWindow + f.params.CircWindowIncrement
	if next > f.params.CircWindowStart {
		return errors.New("receive window grown past its initial value")
	}
	f.recvWindow = next
	return nil
}

func (f *fixedWindow) sendmeReceived(_ *State, _ *RTTEstimator, _ Signals) error {
	next := f.sendWindow + f.params.CircWindowIncrement
	if next > f.params.CircWindowStart {
		return errors.Wrap(ErrProtoViolation, "sendme would grow window past its initial value")
	}
	f.sendWindow = next
	return nil
}
