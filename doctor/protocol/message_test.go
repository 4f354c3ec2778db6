package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/common"
)

func TestIDZeroIsTransmitted(t *testing.T) {
	for _, m := range []Message{Vote(0), Decision(0), Announce(0)} {
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, m))
		assert.Equal(t, []byte{byte(m.Kind), 0, 0, 0, 0}, buf.Bytes(), "%s", m)

		decoded, err := Read(&buf)
		require.NoError(t, err)
		assert.Equal(t, m, decoded)
		assert.Zero(t, buf.Len(), "decoder must consume exactly the payload")
	}
}

func TestPayloadIsBigEndian(t *testing.T) {
	buf, err := Vote(258).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x01, 0x02}, buf)
}

func TestProbeHasNoPayload(t *testing.T) {
	buf, err := Probe().MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(KindProbe)}, buf)

	m, err := Read(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, KindProbe, m.Kind)
}

func TestBackToBackMessages(t *testing.T) {
	var buf bytes.Buffer
	sent := []Message{Vote(7), Probe(), Announce(3), Decision(1)}
	for _, m := range sent {
		require.NoError(t, Write(&buf, m))
	}
	for _, want := range sent {
		got, err := Read(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.Kind, got.Kind)
		if want.Kind.HasPayload() {
			assert.Equal(t, want.ID, got.ID)
		}
	}
}

func TestUnknownTag(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte{0x7f, 0, 0, 0, 1}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownKind))

	_, err = Message{Kind: 0x09}.MarshalBinary()
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestShortPayload(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte{byte(KindDecision), 0, 1}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	_, err = Read(bytes.NewReader(nil))
	assert.True(t, errors.Is(err, io.EOF))
}

func TestNegativeIDRejected(t *testing.T) {
	_, err := Announce(common.PeerID(-1)).MarshalBinary()
	assert.Error(t, err)
}

func TestProbeReply(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteProbeReply(&buf, true))
	require.NoError(t, WriteProbeReply(&buf, false))
	buf.WriteByte(0x05)

	alive, err := ReadProbeReply(&buf)
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = ReadProbeReply(&buf)
	require.NoError(t, err)
	assert.False(t, alive)

	_, err = ReadProbeReply(&buf)
	assert.Error(t, err, "unexpected payload byte")

	_, err = ReadProbeReply(&buf)
	assert.Error(t, err, "missing reply")
}
