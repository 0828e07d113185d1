package wire

import (
	"encoding/binary"

	"github.com/Charana123/torrentd/go-torrent/torrent"
)

type parseState int

const (
	stateHandshake parseState = iota
	stateLength
	stateBody
)

// Parser decodes a peer's byte stream into messages. Input may be split at
// any byte boundary; partial frames are kept until the rest arrives. The
// declared length of a frame is checked against the maximum before its body
// is allocated.
type Parser struct {
	maxLength int
	caps      Capabilities
	state     parseState
	// waiting for SetCapabilities after the handshake
	paused  bool
	pending []byte
	err     error

	hs     [HandshakeLen]byte
	header [4]byte
	body   []byte
	filled int
}

// NewParser returns a parser that first expects a handshake when
// handshake is true.
func NewParser(maxLength int, handshake bool) *Parser {
	p := &Parser{maxLength: maxLength, state: stateLength}
	if handshake {
		p.state = stateHandshake
	}
	return p
}

// SetCapabilities fixes the negotiated capabilities and resumes parsing of
// any bytes that arrived behind the handshake.
func (p *Parser) SetCapabilities(caps Capabilities) {
	p.caps = caps
	p.paused = false
}

// Buffered reports whether input is held back waiting for SetCapabilities.
func (p *Parser) Buffered() bool {
	return len(p.pending) > 0
}

// Feed consumes data and returns the messages completed by it. After a
// handshake has been decoded the parser holds further input until
// SetCapabilities is called; call Feed(nil) to drain it. Once Feed returns
// an error every later call returns the same error.
func (p *Parser) Feed(data []byte) ([]Message, error) {
	if p.err != nil {
		return nil, p.err
	}
	if len(p.pending) > 0 && !p.paused {
		data = append(p.pending, data...)
		p.pending = nil
	}

	var msgs []Message
	for len(data) > 0 {
		if p.paused {
			p.pending = append(p.pending, data...)
			break
		}
		var n int
		switch p.state {
		case stateHandshake:
			n = copy(p.hs[p.filled:], data)
			p.filled += n
			if p.hs[0] != protocolIDLen {
				return nil, p.fail(torrent.Violation("handshake protocol length %d", p.hs[0]))
			}
			if p.filled == HandshakeLen {
				h, err := ParseHandshake(p.hs[:])
				if err != nil {
					return nil, p.fail(err)
				}
				msgs = append(msgs, Message{Handshake: &h})
				p.state = stateLength
				p.filled = 0
				p.paused = true
			}
		case stateLength:
			n = copy(p.header[p.filled:], data)
			p.filled += n
			if p.filled == len(p.header) {
				p.filled = 0
				length := binary.BigEndian.Uint32(p.header[:])
				if length == 0 {
					msgs = append(msgs, Message{KeepAlive: true})
					break
				}
				if uint64(length) > uint64(p.maxLength) {
					return nil, p.fail(torrent.Violation("message length %d exceeds maximum %d", length, p.maxLength))
				}
				p.body = make([]byte, length)
				p.state = stateBody
			}
		case stateBody:
			n = copy(p.body[p.filled:], data)
			p.filled += n
			if p.filled == len(p.body) {
				msg, err := p.decode(p.body)
				if err != nil {
					return nil, p.fail(err)
				}
				msgs = append(msgs, msg)
				p.body = nil
				p.filled = 0
				p.state = stateLength
			}
		}
		data = data[n:]
	}
	return msgs, nil
}

func (p *Parser) fail(err error) error {
	p.err = err
	p.body = nil
	p.pending = nil
	return err
}

func (p *Parser) decode(body []byte) (Message, error) {
	id := body[0]
	payload := body[1:]
	msg := Message{ID: id}

	switch id {
	case CHOKE, UNCHOKE, INTERESTED, NOT_INTERESTED:
		if len(payload) != 0 {
			return msg, torrent.Violation("%s with %d byte payload", names[id], len(payload))
		}
	case HAVE:
		if len(payload) != 4 {
			return msg, torrent.Violation("have with %d byte payload", len(payload))
		}
		msg.Index = int(binary.BigEndian.Uint32(payload))
	case BITFIELD:
		msg.Bitfield = payload
	case REQUEST, CANCEL:
		if len(payload) != 12 {
			return msg, torrent.Violation("%s with %d byte payload", names[id], len(payload))
		}
		msg.Index = int(binary.BigEndian.Uint32(payload[0:4]))
		msg.Begin = int(binary.BigEndian.Uint32(payload[4:8]))
		msg.Length = int(binary.BigEndian.Uint32(payload[8:12]))
	case BLOCK:
		if len(payload) < 8 {
			return msg, torrent.Violation("piece with %d byte payload", len(payload))
		}
		msg.Index = int(binary.BigEndian.Uint32(payload[0:4]))
		msg.Begin = int(binary.BigEndian.Uint32(payload[4:8]))
		msg.Block = payload[8:]
		msg.Length = len(msg.Block)
	case PORT:
		if len(payload) != 2 {
			return msg, torrent.Violation("port with %d byte payload", len(payload))
		}
		msg.Port = binary.BigEndian.Uint16(payload)
	case EXTENDED:
		if !p.caps.Has(CapExtended) {
			return msg, torrent.Violation("extended message without negotiation")
		}
		if len(payload) < 1 {
			return msg, torrent.Violation("extended message without id")
		}
		msg.ExtendedID = payload[0]
		msg.Payload = payload[1:]
	default:
		if !p.caps.Has(CapExtended) {
			return msg, torrent.Violation("unknown message id %d", id)
		}
		msg.Payload = payload
	}
	return msg, nil
}
