package memd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const headerLen = 24

var (
	ErrInvalidMagic  = errors.New("invalid packet magic")
	ErrFrameTooShort = errors.New("framing extras truncated")
)

// Conn frames packets over an underlying stream. It owns a scratch buffer
// for encoding so that steady-state writes do not allocate; callers must
// serialize WritePacket themselves (one writer per connection).
type Conn struct {
	stream io.ReadWriter

	writeBuf []byte
	readHdr  [headerLen]byte
}

func NewConn(stream io.ReadWriter) *Conn {
	return &Conn{
		stream:   stream,
		writeBuf: make([]byte, 0, 4096),
	}
}

// WritePacket encodes and writes a single packet.
func (c *Conn) WritePacket(pak *Packet) error {
	var framesBuf [4]byte
	frames := framesBuf[:0]

	magic := pak.Magic
	if magic == MagicReq && pak.hasReqFrames() {
		magic = magicReqFlex

		if pak.DurabilityLevelTimeout > 0 {
			timeoutMs := pak.DurabilityLevelTimeout.Milliseconds()
			frames = append(frames, byte(frameTypeReqSyncDurability)<<4|3,
				byte(pak.DurabilityLevel), byte(timeoutMs>>8), byte(timeoutMs))
		} else {
			frames = append(frames, byte(frameTypeReqSyncDurability)<<4|1,
				byte(pak.DurabilityLevel))
		}
	}

	extLen := len(pak.Extras)
	keyLen := len(pak.Key)
	valLen := len(pak.Value)
	totalLen := len(frames) + extLen + keyLen + valLen

	buf := c.writeBuf[:0]
	if cap(buf) < headerLen+totalLen {
		buf = make([]byte, 0, headerLen+totalLen)
		c.writeBuf = buf
	}

	buf = append(buf, byte(magic), byte(pak.Command))
	if magic == magicReqFlex {
		buf = append(buf, byte(len(frames)), byte(keyLen))
	} else {
		buf = binary.BigEndian.AppendUint16(buf, uint16(keyLen))
	}
	buf = append(buf, byte(extLen), byte(pak.Datatype))
	if magic == MagicRes || magic == magicResFlex {
		buf = binary.BigEndian.AppendUint16(buf, uint16(pak.Status))
	} else {
		buf = binary.BigEndian.AppendUint16(buf, pak.Vbucket)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(totalLen))
	buf = binary.BigEndian.AppendUint32(buf, pak.Opaque)
	buf = binary.BigEndian.AppendUint64(buf, pak.Cas)

	buf = append(buf, frames...)
	buf = append(buf, pak.Extras...)
	buf = append(buf, pak.Key...)
	buf = append(buf, pak.Value...)

	_, err := c.stream.Write(buf)
	return err
}

// ReadPacket reads one packet off the stream. The returned packet's byte
// slices are freshly allocated and owned by the caller.
func (c *Conn) ReadPacket() (*Packet, error) {
	hdr := c.readHdr[:]
	if _, err := io.ReadFull(c.stream, hdr); err != nil {
		return nil, err
	}

	pak := &Packet{
		Magic:    Magic(hdr[0]),
		Command:  OpCode(hdr[1]),
		Datatype: DatatypeFlag(hdr[5]),
		Opaque:   binary.BigEndian.Uint32(hdr[12:]),
		Cas:      binary.BigEndian.Uint64(hdr[16:]),
	}

	var framesLen, keyLen int
	switch pak.Magic {
	case MagicReq, MagicRes:
		keyLen = int(binary.BigEndian.Uint16(hdr[2:]))
	case magicReqFlex, magicResFlex:
		framesLen = int(hdr[2])
		keyLen = int(hdr[3])
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidMagic, hdr[0])
	}

	extLen := int(hdr[4])
	switch pak.Magic {
	case MagicRes, magicResFlex:
		pak.Status = StatusCode(binary.BigEndian.Uint16(hdr[6:]))
	default:
		pak.Vbucket = binary.BigEndian.Uint16(hdr[6:])
	}

	totalLen := int(binary.BigEndian.Uint32(hdr[8:]))
	if totalLen < framesLen+extLen+keyLen {
		return nil, fmt.Errorf("body length %d shorter than declared segments", totalLen)
	}

	body := make([]byte, totalLen)
	if _, err := io.ReadFull(c.stream, body); err != nil {
		return nil, err
	}

	if framesLen > 0 {
		if err := pak.decodeFrames(body[:framesLen]); err != nil {
			return nil, err
		}
	}
	pak.Extras = body[framesLen : framesLen+extLen]
	pak.Key = body[framesLen+extLen : framesLen+extLen+keyLen]
	pak.Value = body[framesLen+extLen+keyLen:]

	// normalize the magic so callers never see the flex variants
	switch pak.Magic {
	case magicReqFlex:
		pak.Magic = MagicReq
	case magicResFlex:
		pak.Magic = MagicRes
	}

	return pak, nil
}

func (p *Packet) decodeFrames(frames []byte) error {
	isRes := p.Magic == magicResFlex
	for len(frames) > 0 {
		ftype := frameType(frames[0] >> 4)
		flen := int(frames[0] & 0x0f)
		if len(frames) < 1+flen {
			return ErrFrameTooShort
		}
		fbody := frames[1 : 1+flen]

		if isRes && ftype == frameTypeResSrvDuration && flen == 2 {
			p.ServerDuration = decodeSrvDuration(binary.BigEndian.Uint16(fbody))
		} else if !isRes && ftype == frameTypeReqSyncDurability && flen >= 1 {
			p.DurabilityLevel = DurabilityLevel(fbody[0])
		}
		// unrecognized frames are skipped

		frames = frames[1+flen:]
	}
	return nil
}

var opaqueCounter uint32

// NextOpaque returns a process-wide unique correlation id. The opaque is
// the sole key used to match responses to in-flight requests.
func NextOpaque() uint32 {
	return atomic.AddUint32(&opaqueCounter, 1)
}

// LockedConn exists so sends on one connection can be serialized without the
// callers needing to know about the scratch buffer.
type LockedConn struct {
	Conn *Conn
	lock sync.Mutex
}

func NewLockedConn(stream io.ReadWriter) *LockedConn {
	return &LockedConn{Conn: NewConn(stream)}
}

func (c *LockedConn) WritePacket(pak *Packet) error {
	c.lock.Lock()
	err := c.Conn.WritePacket(pak)
	c.lock.Unlock()
	return err
}

func (c *LockedConn) ReadPacket() (*Packet, error) {
	return c.Conn.ReadPacket()
}
