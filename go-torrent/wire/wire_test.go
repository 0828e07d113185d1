package wire

import (
	"bytes"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Charana123/torrentd/go-torrent/torrent"
)

type mockSender struct {
	mock.Mock
	frames [][]byte
}

func (m *mockSender) Send(frame []byte) error {
	m.frames = append(m.frames, frame)
	return nil
}

func (m *mockSender) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockSender) stream() []byte {
	return bytes.Join(m.frames, nil)
}

func hash(b byte) (h [20]byte) {
	for i := range h {
		h[i] = b
	}
	return h
}

func TestHandshakeRoundTrip(t *testing.T) {
	sender := &mockSender{}
	w := NewWire(sender)
	sent := NewHandshake(hash(1), hash(2), Supported)
	require.NoError(t, w.SendHandshake(sent))
	require.Len(t, sender.stream(), HandshakeLen)

	p := NewParser(1<<20, true)
	msgs, err := p.Feed(sender.stream())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Handshake)
	assert.Equal(t, sent, *msgs[0].Handshake)
	assert.Equal(t, Supported, msgs[0].Handshake.Capabilities())
	assert.Equal(t, hash(1), msgs[0].Handshake.InfoHash)
}

func TestHandshakeBadProtocol(t *testing.T) {
	h := NewHandshake(hash(1), hash(2), 0)
	copy(h.Protocol[:], "BitTorrent protocoX")
	_, err := NewParser(1<<20, true).Feed(h.Marshal())
	assert.True(t, errors.Is(err, torrent.ErrProtocolViolation))

	data := NewHandshake(hash(1), hash(2), 0).Marshal()
	data[0] = 18
	_, err = NewParser(1<<20, true).Feed(data[:1])
	assert.True(t, errors.Is(err, torrent.ErrProtocolViolation))
}

func TestFragmentedMessage(t *testing.T) {
	sender := &mockSender{}
	w := NewWire(sender)
	w.SendRequest(3, 16384, 16384)
	frame := sender.stream()

	p := NewParser(1<<20, false)
	var got []Message
	for i := range frame {
		msgs, err := p.Feed(frame[i : i+1])
		require.NoError(t, err)
		if i < len(frame)-1 {
			assert.Empty(t, msgs)
		}
		got = append(got, msgs...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, uint8(REQUEST), got[0].ID)
	assert.Equal(t, 3, got[0].Index)
	assert.Equal(t, 16384, got[0].Begin)
	assert.Equal(t, 16384, got[0].Length)
}

func TestOversizedLengthRejectedBeforeAllocation(t *testing.T) {
	p := NewParser(1024, false)
	msgs, err := p.Feed([]byte{0x40, 0x00, 0x00, 0x00, BLOCK})
	assert.Nil(t, msgs)
	assert.True(t, errors.Is(err, torrent.ErrProtocolViolation))
	assert.Nil(t, p.body)

	// the parser stays failed
	_, err2 := p.Feed([]byte{0, 0, 0, 0})
	assert.Equal(t, err, err2)
}

func TestFixedSizeMessagesValidated(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"choke with payload", []byte{0, 0, 0, 2, CHOKE, 0}},
		{"short have", []byte{0, 0, 0, 4, HAVE, 0, 0, 1}},
		{"long request", []byte{0, 0, 0, 14, REQUEST, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"short piece", []byte{0, 0, 0, 5, BLOCK, 0, 0, 0, 1}},
		{"short port", []byte{0, 0, 0, 2, PORT, 1}},
		{"unknown id", []byte{0, 0, 0, 1, 42}},
		{"extended without negotiation", []byte{0, 0, 0, 2, EXTENDED, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser(1<<20, false).Feed(tt.frame)
			assert.True(t, errors.Is(err, torrent.ErrProtocolViolation), "got %v", err)
		})
	}
}

func TestExtendedAfterNegotiation(t *testing.T) {
	p := NewParser(1<<20, false)
	p.SetCapabilities(CapExtended)
	msgs, err := p.Feed([]byte{0, 0, 0, 3, EXTENDED, 1, 'x', 0, 0, 0, 2, 42, 'y'})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint8(1), msgs[0].ExtendedID)
	assert.Equal(t, []byte("x"), msgs[0].Payload)
	assert.Equal(t, uint8(42), msgs[1].ID)
	assert.Equal(t, []byte("y"), msgs[1].Payload)
}

func TestInputAfterHandshakeHeldUntilCapabilities(t *testing.T) {
	sender := &mockSender{}
	w := NewWire(sender)
	w.SendHandshake(NewHandshake(hash(1), hash(2), 0))
	w.SendBitField([]byte{0xff})
	w.SendKeepAlive()

	p := NewParser(1<<20, true)
	msgs, err := p.Feed(sender.stream())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].Handshake)
	assert.True(t, p.Buffered())

	p.SetCapabilities(0)
	msgs, err = p.Feed(nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint8(BITFIELD), msgs[0].ID)
	assert.Equal(t, []byte{0xff}, msgs[0].Bitfield)
	assert.True(t, msgs[1].KeepAlive)
	assert.False(t, p.Buffered())
}

func TestWireFrames(t *testing.T) {
	sender := &mockSender{}
	sent := time.Unix(1000, 0)
	now = func() time.Time { return sent }
	defer func() { now = time.Now }()

	w := NewWire(sender)
	w.SendKeepAlive()
	w.SendHave(7)
	w.SendBlock(1, 2, []byte{9, 9})
	w.SendCancel(1, 2, 3)

	assert.Equal(t, sent, w.GetLastMessageSent())
	assert.Equal(t, []byte{0, 0, 0, 0}, sender.frames[0])
	assert.Equal(t, []byte{0, 0, 0, 5, HAVE, 0, 0, 0, 7}, sender.frames[1])
	assert.Equal(t, []byte{0, 0, 0, 11, BLOCK, 0, 0, 0, 1, 0, 0, 0, 2, 9, 9}, sender.frames[2])

	// a remote port message, which this client never sends
	port := []byte{0, 0, 0, 3, PORT, 0x1a, 0xe1}
	msgs, err := NewParser(1<<20, false).Feed(append(sender.stream(), port...))
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	assert.True(t, msgs[0].KeepAlive)
	assert.Equal(t, "have(7)", msgs[1].String())
	assert.Equal(t, []byte{9, 9}, msgs[2].Block)
	assert.Equal(t, "cancel(1, 2, 3)", msgs[3].String())
	assert.Equal(t, uint16(6881), msgs[4].Port)

	sender.On("Close").Return(nil).Once()
	w.Close()
	sender.AssertExpectations(t)
}

func TestBitField(t *testing.T) {
	b := bitmap.New(10)
	b.Set(0, true)
	b.Set(9, true)
	data := EncodeBitField(b, 10)
	assert.Equal(t, []byte{0x80, 0x40}, data)

	decoded, err := DecodeBitField(data, 10)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, i == 0 || i == 9, decoded.Get(i), "bit %d", i)
	}

	_, err = DecodeBitField([]byte{0x80, 0x20}, 10)
	assert.True(t, errors.Is(err, torrent.ErrProtocolViolation))
	_, err = DecodeBitField([]byte{0x80}, 10)
	assert.True(t, errors.Is(err, torrent.ErrProtocolViolation))
}
