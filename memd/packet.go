package memd

import (
	"fmt"
	"math"
	"time"
)

// Packet is a single request or response frame. The zero value of most
// fields is meaningful on the wire, so encoders only write what is set.
type Packet struct {
	Magic    Magic
	Command  OpCode
	Datatype DatatypeFlag

	// Vbucket is only valid for requests, Status only for responses; they
	// share the same header slot.
	Vbucket uint16
	Status  StatusCode

	Opaque uint32
	Cas    uint64

	Extras []byte
	Key    []byte
	Value  []byte

	// Flexible framing extras. When DurabilityLevel is set on a request the
	// codec switches to the extended magic automatically; ServerDuration is
	// only filled in from response frames.
	DurabilityLevel        DurabilityLevel
	DurabilityLevelTimeout time.Duration
	ServerDuration         time.Duration
}

func (p *Packet) hasReqFrames() bool {
	return p.DurabilityLevel != DurabilityLevelNone
}

func (p *Packet) String() string {
	if p.Magic == MagicRes || p.Magic == magicResFlex {
		return fmt.Sprintf("memd.Packet{RES, cmd:0x%02x, status:0x%04x, opaque:%d, len:%d}",
			uint8(p.Command), uint16(p.Status), p.Opaque, len(p.Value))
	}
	return fmt.Sprintf("memd.Packet{REQ, cmd:0x%02x, vb:%d, opaque:%d, len:%d}",
		uint8(p.Command), p.Vbucket, p.Opaque, len(p.Value))
}

// encodeSrvDuration and decodeSrvDuration implement the compressed
// encoding the server uses for its duration frame.
func decodeSrvDuration(encoded uint16) time.Duration {
	us := math.Pow(float64(encoded)/2, 1.74)
	return time.Duration(us) * time.Microsecond
}

func encodeSrvDuration(d time.Duration) uint16 {
	us := float64(d / time.Microsecond)
	encoded := math.Pow(us, 1/1.74) * 2
	if encoded > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(encoded)
}
