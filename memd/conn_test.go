package memd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)

	req := &Packet{
		Magic:    MagicReq,
		Command:  CmdSet,
		Datatype: DatatypeFlagJSON,
		Vbucket:  1023,
		Opaque:   NextOpaque(),
		Cas:      0x1122334455667788,
		Extras:   []byte{0, 0, 0, 0, 0, 0, 0, 30},
		Key:      []byte("hello"),
		Value:    []byte(`{"x":1}`),
	}
	require.NoError(t, conn.WritePacket(req))

	got, err := NewConn(&buf).ReadPacket()
	require.NoError(t, err)

	assert.Equal(t, req.Magic, got.Magic)
	assert.Equal(t, req.Command, got.Command)
	assert.Equal(t, req.Datatype, got.Datatype)
	assert.Equal(t, req.Vbucket, got.Vbucket)
	assert.Equal(t, req.Opaque, got.Opaque)
	assert.Equal(t, req.Cas, got.Cas)
	assert.Equal(t, req.Extras, got.Extras)
	assert.Equal(t, req.Key, got.Key)
	assert.Equal(t, req.Value, got.Value)
}

func TestPacketResponseStatus(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)

	require.NoError(t, conn.WritePacket(&Packet{
		Magic:   MagicRes,
		Command: CmdGet,
		Status:  StatusKeyNotFound,
		Opaque:  42,
	}))

	got, err := conn.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, StatusKeyNotFound, got.Status)
	assert.Equal(t, uint32(42), got.Opaque)
	assert.Empty(t, got.Value)
}

func TestPacketDurabilityFrame(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)

	require.NoError(t, conn.WritePacket(&Packet{
		Magic:           MagicReq,
		Command:         CmdSet,
		Opaque:          7,
		Key:             []byte("k"),
		Value:           []byte("v"),
		DurabilityLevel: DurabilityLevelMajority,
	}))

	// the wire bytes should carry the flex magic
	assert.Equal(t, byte(magicReqFlex), buf.Bytes()[0])

	got, err := conn.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, MagicReq, got.Magic)
	assert.Equal(t, DurabilityLevelMajority, got.DurabilityLevel)
	assert.Equal(t, []byte("k"), got.Key)
	assert.Equal(t, []byte("v"), got.Value)
}

func TestPacketDurabilityFrameWithTimeout(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)

	require.NoError(t, conn.WritePacket(&Packet{
		Magic:                  MagicReq,
		Command:                CmdSet,
		Key:                    []byte("k"),
		DurabilityLevel:        DurabilityLevelPersistToMajority,
		DurabilityLevelTimeout: 1500 * time.Millisecond,
	}))

	got, err := conn.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, DurabilityLevelPersistToMajority, got.DurabilityLevel)
}

func TestPacketInvalidMagic(t *testing.T) {
	hdr := make([]byte, 24)
	hdr[0] = 0x55

	_, err := NewConn(bytes.NewBuffer(hdr)).ReadPacket()
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestNextOpaqueUnique(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		op := NextOpaque()
		assert.False(t, seen[op])
		seen[op] = true
	}
}

func TestDecodeValueCompressed(t *testing.T) {
	datatype, encoded := EncodeValue(DatatypeFlagJSON, bytes.Repeat([]byte("abcd"), 64), true)
	require.NotZero(t, datatype&DatatypeFlagCompressed)

	datatype, decoded, err := DecodeValue(datatype, encoded)
	require.NoError(t, err)
	assert.Zero(t, datatype&DatatypeFlagCompressed)
	assert.Equal(t, bytes.Repeat([]byte("abcd"), 64), decoded)
}

func TestEncodeValueSkipsSmall(t *testing.T) {
	datatype, encoded := EncodeValue(0, []byte("tiny"), true)
	assert.Zero(t, datatype&DatatypeFlagCompressed)
	assert.Equal(t, []byte("tiny"), encoded)
}
