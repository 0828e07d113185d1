package wire

import "fmt"

// Message is a decoded peer wire message. Only the fields relevant to ID
// are set.
type Message struct {
	KeepAlive bool
	Handshake *Handshake

	ID       uint8
	Index    int
	Begin    int
	Length   int
	Bitfield []byte
	Block    []byte
	Port     uint16
	// Extended messages and ids unknown to this client when the extension
	// protocol was negotiated.
	ExtendedID uint8
	Payload    []byte
}

var names = map[uint8]string{
	CHOKE:          "choke",
	UNCHOKE:        "unchoke",
	INTERESTED:     "interested",
	NOT_INTERESTED: "not-interested",
	HAVE:           "have",
	BITFIELD:       "bitfield",
	REQUEST:        "request",
	BLOCK:          "piece",
	CANCEL:         "cancel",
	PORT:           "port",
	EXTENDED:       "extended",
}

func (m Message) String() string {
	switch {
	case m.Handshake != nil:
		return "handshake"
	case m.KeepAlive:
		return "keep-alive"
	}
	name, ok := names[m.ID]
	if !ok {
		return fmt.Sprintf("unknown(%d)", m.ID)
	}
	switch m.ID {
	case HAVE:
		return fmt.Sprintf("%s(%d)", name, m.Index)
	case REQUEST, CANCEL:
		return fmt.Sprintf("%s(%d, %d, %d)", name, m.Index, m.Begin, m.Length)
	case BLOCK:
		return fmt.Sprintf("%s(%d, %d, %d bytes)", name, m.Index, m.Begin, len(m.Block))
	}
	return name
}
