package cell

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Sendme is a decoded SENDME body. Version 0 SENDMEs carry no data;
// version 1 SENDMEs carry the tag of the cell that triggered them,
// proving the sender actually saw the traffic it is acknowledging.
type Sendme struct {
	Version byte
	Tag     []byte
}

// sendmeTagLens lists the acceptable v1 tag widths: the truncated
// running-digest form and the counter-galois form.
func sendmeTagLenOK(n int) bool {
	return n == 20 || n == 16
}

// EncodeSendme serializes a SENDME body.
func EncodeSendme(s Sendme) ([]byte, error) {
	switch s.Version {
	case 0:
		if len(s.Tag) != 0 {
			return nil, errors.New("version 0 sendme must not carry a tag")
		}
		return []byte{0}, nil
	case 1:
		if !sendmeTagLenOK(len(s.Tag)) {
			return nil, errors.Errorf("bad sendme tag length %d", len(s.Tag))
		}
		out := make([]byte, 3+len(s.Tag))
		out[0] = 1
		binary.BigEndian.PutUint16(out[1:], uint16(len(s.Tag)))
		copy(out[3:], s.Tag)
		return out, nil
	default:
		return nil, errors.Errorf("unknown sendme version %d", s.Version)
	}
}

// DecodeSendme parses a SENDME body. An empty body is treated as a
// version 0 SENDME for compatibility with minimal senders.
func DecodeSendme(data []byte) (Sendme, error) {
	if len(data) == 0 {
		return Sendme{Version: 0}, nil
	}
	s := Sendme{Version: data[0]}
	switch s.Version {
	case 0:
		return s, nil
	case 1:
		if len(data) < 3 {
			return Sendme{}, errors.New("truncated sendme body")
		}
		n := int(binary.BigEndian.Uint16(data[1:]))
		if !sendmeTagLenOK(n) || len(data) < 3+n {
			return Sendme{}, errors.Errorf("bad sendme tag length %d", n)
		}
		s.Tag = data[3 : 3+n]
		return s, nil
	default:
		return Sendme{}, errors.Errorf("unknown sendme version %d", s.Version)
	}
}

// Xon is a decoded XON body. Rate is the advertised drain rate in
// kilobits per second; zero means unlimited.
type Xon struct {
	Version byte
	Rate    uint32
}

// EncodeXon serializes an XON body.
func EncodeXon(x Xon) []byte {
	out := make([]byte, 5)
	out[0] = x.Version
	binary.BigEndian.PutUint32(out[1:], x.Rate)
	return out
}

// DecodeXon parses an XON body, rejecting unknown versions.
func DecodeXon(data []byte) (Xon, error) {
	if len(data) < 5 {
		return Xon{}, errors.New("truncated xon body")
	}
	if data[0] != 0 {
		return Xon{}, errors.Errorf("unknown xon version %d", data[0])
	}
	return Xon{Version: data[0], Rate: binary.BigEndian.Uint32(data[1:])}, nil
}

// Xoff is a decoded XOFF body.
type Xoff struct {
	Version byte
}

// EncodeXoff serializes an XOFF body.
func EncodeXoff(x Xoff) []byte {
	return []byte{x.Version}
}

// DecodeXoff parses an XOFF body, rejecting unknown versions.
func DecodeXoff(data []byte) (Xoff, error) {
	if len(data) < 1 {
		return Xoff{}, errors.New("truncated xoff body")
	}
	if data[0] != 0 {
		return Xoff{}, errors.Errorf("unknown xoff version %d", data[0])
	}
	return Xoff{Version: data[0]}, nil
}
