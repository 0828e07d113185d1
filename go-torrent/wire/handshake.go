package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/Charana123/torrentd/go-torrent/torrent"
)

const (
	PROTOCOL      = "BitTorrent protocol"
	HandshakeLen  = 68
	protocolIDLen = 19
)

// 1 + 19 + 8 + 20 + 20
type Handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]uint8
	InfoHash [20]byte
	PeerID   [20]byte
}

// Capabilities are optional protocol features advertised in the reserved
// bytes of the handshake.
type Capabilities uint8

const (
	CapExtended Capabilities = 1 << iota
	CapDHT
)

// Supported is the set of capabilities this client advertises.
const Supported = CapExtended | CapDHT

func (c Capabilities) Has(o Capabilities) bool {
	return c&o == o
}

// Negotiate returns the capabilities both sides advertised.
func Negotiate(local, remote Capabilities) Capabilities {
	return local & remote
}

func NewHandshake(infoHash, peerID [20]byte, caps Capabilities) Handshake {
	h := Handshake{
		Len:      protocolIDLen,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
	copy(h.Protocol[:], PROTOCOL)
	if caps.Has(CapExtended) {
		h.Reserved[5] |= 0x10
	}
	if caps.Has(CapDHT) {
		h.Reserved[7] |= 0x01
	}
	return h
}

func (h Handshake) Capabilities() Capabilities {
	var caps Capabilities
	if h.Reserved[5]&0x10 != 0 {
		caps |= CapExtended
	}
	if h.Reserved[7]&0x01 != 0 {
		caps |= CapDHT
	}
	return caps
}

func (h Handshake) Marshal() []byte {
	b := &bytes.Buffer{}
	b.Grow(HandshakeLen)
	binary.Write(b, binary.BigEndian, h)
	return b.Bytes()
}

// ParseHandshake decodes a complete 68 byte handshake, rejecting a bad
// protocol identifier.
func ParseHandshake(data []byte) (Handshake, error) {
	h := Handshake{}
	if len(data) != HandshakeLen {
		return h, torrent.Violation("handshake of %d bytes", len(data))
	}
	binary.Read(bytes.NewReader(data), binary.BigEndian, &h)
	if h.Len != protocolIDLen {
		return h, torrent.Violation("handshake protocol length %d", h.Len)
	}
	if string(h.Protocol[:]) != PROTOCOL {
		return h, torrent.Violation("handshake protocol %q", string(h.Protocol[:]))
	}
	return h, nil
}
