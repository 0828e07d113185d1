package wire

import (
	"bytes"
	"encoding/binary"
	"time"
)

const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	BLOCK          = 7
	CANCEL         = 8
	PORT           = 9
	EXTENDED       = 20
)

// Wire writes protocol messages to a peer. Sends never block; they hand the
// encoded frame to the socket's outbound queue.
type Wire interface {
	SendHandshake(h Handshake) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendUnInterested() error
	SendHave(pieceIndex int) error
	SendBitField(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendCancel(pieceIndex, begin, length int) error
	SendBlock(pieceIndex, begin int, block []byte) error

	GetLastMessageSent() (lastMessageSent time.Time)
	Close()
}

// Sender is the outbound half of a registered socket.
type Sender interface {
	Send(frame []byte) error
	Close() error
}

type wire struct {
	conn            Sender
	lastMessageSent time.Time
}

var now = time.Now

func NewWire(conn Sender) Wire {
	return &wire{
		conn:            conn,
		lastMessageSent: now(),
	}
}

func (w *wire) GetLastMessageSent() time.Time {
	return w.lastMessageSent
}

func (w *wire) Close() {
	w.conn.Close()
}

func (w *wire) SendHandshake(h Handshake) error {
	return w.sendMessage(h.Marshal())
}

func (w *wire) SendKeepAlive() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(0))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendChoke() error {
	return w.sendSimple(CHOKE)
}

func (w *wire) SendUnchoke() error {
	return w.sendSimple(UNCHOKE)
}

func (w *wire) SendInterested() error {
	return w.sendSimple(INTERESTED)
}

func (w *wire) SendUnInterested() error {
	return w.sendSimple(NOT_INTERESTED)
}

func (w *wire) sendSimple(id uint8) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1))
	binary.Write(b, binary.BigEndian, id)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendHave(pieceIndex int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(5))
	binary.Write(b, binary.BigEndian, uint8(HAVE))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBitField(bitfield []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1+len(bitfield)))
	binary.Write(b, binary.BigEndian, uint8(BITFIELD))
	b.Write(bitfield)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	return w.sendTriple(REQUEST, pieceIndex, begin, length)
}

func (w *wire) SendCancel(pieceIndex, begin, length int) error {
	return w.sendTriple(CANCEL, pieceIndex, begin, length)
}

func (w *wire) sendTriple(id uint8, pieceIndex, begin, length int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(13))
	binary.Write(b, binary.BigEndian, id)
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	b := &bytes.Buffer{}
	b.Grow(13 + len(block))
	binary.Write(b, binary.BigEndian, int32(9+len(block)))
	binary.Write(b, binary.BigEndian, uint8(BLOCK))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	b.Write(block)
	return w.sendMessage(b.Bytes())
}

func (w *wire) sendMessage(msg []byte) error {
	w.lastMessageSent = now()
	return w.conn.Send(msg)
}
