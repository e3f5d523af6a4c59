// Package canbus speaks the grasp-target protocol over an SLCAN
// (serial-line CAN) adapter. Frames are ASCII encoded: 't', three hex ID
// digits, one DLC digit, two hex digits per data byte, terminated by a
// carriage return.
package canbus

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// TargetFrameID is the CAN arbitration ID of the grasp-target channel.
// Requests and responses both travel under it.
const TargetFrameID uint16 = 0x030

const (
	requestFill     = 0x22 // all eight request bytes carry this value
	alertFill       = 0x33 // all eight alert bytes carry this value
	responseMarker0 = 0x08 // response byte 0
	responseMarker1 = 0x00 // response byte 1
)

// ErrBadFrame reports an SLCAN line that does not decode to a data frame.
var ErrBadFrame = errors.New("canbus: malformed SLCAN frame")

// Frame is one CAN data frame.
type Frame struct {
	ID   uint16
	DLC  int
	Data [8]byte
}

// Marshal renders the frame as an SLCAN transmit line including the
// trailing carriage return.
func (f Frame) Marshal() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "t%03X%d", f.ID&0x7FF, f.DLC)
	b.WriteString(strings.ToUpper(hex.EncodeToString(f.Data[:f.DLC])))
	b.WriteByte('\r')
	return []byte(b.String())
}

// ParseFrame decodes one SLCAN line (without the terminator) into a Frame.
// Only standard-ID data frames ('t') are understood; everything else,
// including remote frames and adapter status replies, returns ErrBadFrame
// so callers can skip it.
func ParseFrame(line string) (Frame, error) {
	if len(line) < 5 || line[0] != 't' {
		return Frame{}, fmt.Errorf("%w: %q", ErrBadFrame, line)
	}
	id, err := strconv.ParseUint(line[1:4], 16, 16)
	if err != nil || id > 0x7FF {
		return Frame{}, fmt.Errorf("%w: bad ID in %q", ErrBadFrame, line)
	}
	dlc := int(line[4] - '0')
	if dlc < 0 || dlc > 8 || len(line) != 5+2*dlc {
		return Frame{}, fmt.Errorf("%w: bad DLC in %q", ErrBadFrame, line)
	}
	var f Frame
	f.ID = uint16(id)
	f.DLC = dlc
	data, err := hex.DecodeString(line[5:])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: bad payload in %q", ErrBadFrame, line)
	}
	copy(f.Data[:], data)
	return f, nil
}

// IsTargetRequest reports whether the frame is the controller's poll for
// the current grasp target.
func (f Frame) IsTargetRequest() bool {
	if f.ID != TargetFrameID || f.DLC != 8 {
		return false
	}
	for _, b := range f.Data {
		if b != requestFill {
			return false
		}
	}
	return true
}

// TargetResponse builds the reply frame for a target request. Coordinates
// are world-frame millimetres, clamped to the int16 range and encoded
// little endian. A missing target encodes as the origin.
func TargetResponse(p r3.Vec, ok bool) Frame {
	f := Frame{ID: TargetFrameID, DLC: 8}
	f.Data[0] = responseMarker0
	f.Data[1] = responseMarker1
	if ok {
		putMM(f.Data[2:4], p.X)
		putMM(f.Data[4:6], p.Y)
		putMM(f.Data[6:8], p.Z)
	}
	return f
}

// AlertFrame builds the proximity-alarm broadcast frame.
func AlertFrame() Frame {
	f := Frame{ID: TargetFrameID, DLC: 8}
	for i := range f.Data {
		f.Data[i] = alertFill
	}
	return f
}

// putMM clamps a millimetre coordinate into int16 and writes it little
// endian. NaN encodes as the origin, never as converted garbage.
func putMM(dst []byte, v float64) {
	if math.IsNaN(v) {
		dst[0], dst[1] = 0, 0
		return
	}
	r := math.Round(v)
	if r > math.MaxInt16 {
		r = math.MaxInt16
	} else if r < math.MinInt16 {
		r = math.MinInt16
	}
	u := uint16(int16(r))
	dst[0] = byte(u)
	dst[1] = byte(u >> 8)
}
