package peer

import (
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Charana123/torrentd/go-torrent/piece"
	"github.com/Charana123/torrentd/go-torrent/stats"
	"github.com/Charana123/torrentd/go-torrent/torrent"
	"github.com/Charana123/torrentd/go-torrent/wire"
)

// State is the lifecycle of a peer connection.
type State int

const (
	Connecting State = iota
	Handshaking
	Established
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closing:
		return "closing"
	}
	return "closed"
}

// ConnState holds the choke and interest flags of both ends.
type ConnState struct {
	PeerInterested   bool
	ClientInterested bool
	PeerChoking      bool
	ClientChoking    bool
}

// Swarm is the torrent a peer belongs to. Peers report received blocks
// and upload requests to it, and tell it when they close.
type Swarm interface {
	BlockReceived(p Peer, req piece.Request, data []byte, receipt piece.Receipt)
	QueueRead(p Peer, req piece.Request)
	PeerEstablished(p Peer)
	PeerClosed(p Peer, err error)
}

type Config struct {
	PipelineDepth     int
	MaxUploadQueue    int
	MaxRequestLength  int
	MaxMessageLength  int
	KeepAliveInterval time.Duration
	PruneTimeout      time.Duration
	SnubTimeout       time.Duration
	Capabilities      wire.Capabilities
}

func DefaultConfig() Config {
	return Config{
		PipelineDepth:     piece.MAX_OUTSTANDING_REQUESTS,
		MaxUploadQueue:    64,
		MaxRequestLength:  128 * 1024,
		MaxMessageLength:  1 << 20,
		KeepAliveInterval: 2 * time.Minute,
		PruneTimeout:      3 * time.Minute,
		SnubTimeout:       time.Minute,
		Capabilities:      wire.Supported,
	}
}

// Peer is one connection of a torrent. All methods run on the reactor
// goroutine.
type Peer interface {
	ID() string
	State() State
	Err() error
	GetPeerInfo() PeerInfo
	GetBitField() bitmap.Bitmap

	// Connected attaches the socket once it is open. Outgoing peers send
	// their handshake immediately.
	Connected(w wire.Wire, parser *wire.Parser)
	HandshakeReceived(h wire.Handshake)
	Readable(data []byte)

	Choke()
	Unchoke()
	FillPipeline()
	UpdateInterest()
	CancelRequest(req piece.Request)
	BlockRead(req piece.Request, data []byte)
	SendHave(pieceIndex int)
	Tick(now time.Time)
	Stale(now time.Time) bool
	Close(err error)
}

var now = time.Now

type peer struct {
	id           string
	incoming     bool
	state        State
	cfg          Config
	tor          *torrent.Torrent
	swarm        Swarm
	pieceMgr     piece.PieceManager
	stats        stats.Stats
	wire         wire.Wire
	parser       *wire.Parser
	caps         wire.Capabilities
	remoteID     [20]byte
	peerBitfield bitmap.Bitmap
	sawMessage   bool
	conn         ConnState
	outstanding  map[piece.Request]time.Time
	uploads      map[piece.Request]bool
	connectedAt  time.Time
	lastRecv     time.Time
	lastPiece    time.Time
	unchokedAt   time.Time
	closeErr     error
	logger       *log.Entry
}

func NewPeer(
	id string,
	incoming bool,
	tor *torrent.Torrent,
	swarm Swarm,
	pieceMgr piece.PieceManager,
	stats stats.Stats,
	cfg Config) Peer {

	t := now()
	return &peer{
		id:       id,
		incoming: incoming,
		state:    Connecting,
		cfg:      cfg,
		tor:      tor,
		swarm:    swarm,
		pieceMgr: pieceMgr,
		stats:    stats,
		conn: ConnState{
			PeerChoking:   true,
			ClientChoking: true,
		},
		outstanding: make(map[piece.Request]time.Time),
		uploads:     make(map[piece.Request]bool),
		connectedAt: t,
		lastRecv:    t,
		logger:      log.WithFields(log.Fields{"torrent": tor.Name(), "peer": id}),
	}
}

func (p *peer) ID() string {
	return p.id
}

func (p *peer) State() State {
	return p.state
}

func (p *peer) Err() error {
	return p.closeErr
}

func (p *peer) GetBitField() bitmap.Bitmap {
	return p.peerBitfield
}

func (p *peer) Connected(w wire.Wire, parser *wire.Parser) {
	if p.state != Connecting {
		return
	}
	p.wire = w
	p.parser = parser
	if p.parser == nil {
		p.parser = wire.NewParser(p.cfg.MaxMessageLength, true)
	}
	p.state = Handshaking
	p.lastRecv = now()
	if !p.incoming {
		p.send(p.wire.SendHandshake(wire.NewHandshake(p.tor.InfoHash, torrent.PEER_ID, p.cfg.Capabilities)))
		p.logger.Debug("sent handshake")
	}
}

func (p *peer) HandshakeReceived(h wire.Handshake) {
	if p.state != Handshaking {
		p.Close(torrent.Violation("handshake in state %s", p.state))
		return
	}
	if h.InfoHash != p.tor.InfoHash {
		p.Close(torrent.Violation("handshake for unknown info hash %x", h.InfoHash))
		return
	}
	if h.PeerID == torrent.PEER_ID {
		p.Close(errors.Wrap(torrent.ErrConnection, "connected to self"))
		return
	}
	p.remoteID = h.PeerID
	p.caps = wire.Negotiate(p.cfg.Capabilities, h.Capabilities())
	if p.incoming {
		if !p.send(p.wire.SendHandshake(wire.NewHandshake(p.tor.InfoHash, torrent.PEER_ID, p.cfg.Capabilities))) {
			return
		}
	}
	p.parser.SetCapabilities(p.caps)
	p.state = Established
	p.peerBitfield = bitmap.New(p.tor.NumPieces)
	p.pieceMgr.PeerJoined(p.id)
	p.logger.Debug("recieved handshake")

	if p.pieceMgr.GetPiecesDownloaded() > 0 {
		if !p.send(p.wire.SendBitField(wire.EncodeBitField(p.pieceMgr.GetBitField(), p.tor.NumPieces))) {
			return
		}
	}
	p.swarm.PeerEstablished(p)
}

// send closes the peer when a write could not be queued.
func (p *peer) send(err error) bool {
	if err != nil {
		p.Close(errors.Wrap(err, "send"))
		return false
	}
	return true
}

func (p *peer) Readable(data []byte) {
	if p.state != Handshaking && p.state != Established {
		return
	}
	if len(data) > 0 {
		p.lastRecv = now()
	}
	msgs, err := p.parser.Feed(data)
	for {
		if err != nil {
			p.Close(err)
			return
		}
		for _, msg := range msgs {
			if err := p.handle(msg); err != nil {
				p.Close(err)
				return
			}
			if p.state >= Closing {
				return
			}
		}
		if p.state != Established || !p.parser.Buffered() {
			break
		}
		msgs, err = p.parser.Feed(nil)
	}
	p.FillPipeline()
}

func (p *peer) handle(msg wire.Message) error {
	if msg.Handshake != nil {
		p.HandshakeReceived(*msg.Handshake)
		return nil
	}
	if msg.KeepAlive {
		return nil
	}
	if p.state != Established {
		return torrent.Violation("%s before handshake", msg)
	}
	first := !p.sawMessage
	p.sawMessage = true
	p.logger.Debug(msg)

	switch msg.ID {
	case wire.CHOKE:
		if !p.conn.PeerChoking {
			p.conn.PeerChoking = true
			// requests are discarded by a choking peer
			p.pieceMgr.ReleasePeerRequests(p.id)
			p.outstanding = make(map[piece.Request]time.Time)
		}
	case wire.UNCHOKE:
		if p.conn.PeerChoking {
			p.conn.PeerChoking = false
			p.unchokedAt = now()
		}
	case wire.INTERESTED:
		p.conn.PeerInterested = true
	case wire.NOT_INTERESTED:
		p.conn.PeerInterested = false
	case wire.HAVE:
		if msg.Index >= p.tor.NumPieces {
			return torrent.Violation("have for piece %d of %d", msg.Index, p.tor.NumPieces)
		}
		if !p.peerBitfield.Get(msg.Index) {
			p.peerBitfield.Set(msg.Index, true)
			p.pieceMgr.PieceHave(p.id, msg.Index)
			if !p.conn.ClientInterested {
				p.UpdateInterest()
			}
		}
	case wire.BITFIELD:
		if !first {
			return torrent.Violation("bitfield after first message")
		}
		bitfield, err := wire.DecodeBitField(msg.Bitfield, p.tor.NumPieces)
		if err != nil {
			return err
		}
		p.peerBitfield = bitfield
		p.pieceMgr.PeerBitfield(p.id, bitfield)
		p.UpdateInterest()
	case wire.REQUEST:
		return p.handleRequest(piece.Request{Index: msg.Index, Begin: msg.Begin, Length: msg.Length})
	case wire.BLOCK:
		return p.handleBlock(msg)
	case wire.CANCEL:
		delete(p.uploads, piece.Request{Index: msg.Index, Begin: msg.Begin, Length: msg.Length})
	case wire.PORT:
		// DHT is not supported; the port is only recorded in the log
	default:
		// extension messages are accepted and ignored
	}
	return nil
}

func (p *peer) handleRequest(req piece.Request) error {
	if req.Index >= p.tor.NumPieces ||
		req.Length <= 0 || req.Length > p.cfg.MaxRequestLength ||
		req.Begin+req.Length > p.tor.PieceLen(req.Index) {
		return torrent.Violation("request (%d, %d, %d) out of bounds", req.Index, req.Begin, req.Length)
	}
	if p.conn.ClientChoking {
		p.logger.Debug("peer sent request while choked")
		return nil
	}
	if !p.pieceMgr.Have(req.Index) || p.uploads[req] || len(p.uploads) >= p.cfg.MaxUploadQueue {
		return nil
	}
	p.uploads[req] = true
	p.swarm.QueueRead(p, req)
	return nil
}

func (p *peer) handleBlock(msg wire.Message) error {
	req := piece.Request{Index: msg.Index, Begin: msg.Begin, Length: len(msg.Block)}
	_, requested := p.outstanding[req]
	delete(p.outstanding, req)
	p.lastPiece = now()

	receipt, err := p.pieceMgr.MarkBlockReceived(p.id, msg.Index, msg.Begin, msg.Block)
	if err != nil {
		return err
	}
	if receipt.Duplicate {
		if !requested {
			p.logger.Debugf("unsolicited block (%d, %d)", req.Index, req.Begin)
		}
		return nil
	}
	p.stats.UpdatePeer(p.id, 0, len(msg.Block))
	p.swarm.BlockReceived(p, req, msg.Block, receipt)
	return nil
}

// FillPipeline requests blocks until the pipeline is full or nothing useful
// is left.
func (p *peer) FillPipeline() {
	if p.state != Established || p.conn.PeerChoking || !p.conn.ClientInterested {
		return
	}
	for len(p.outstanding) < p.cfg.PipelineDepth {
		req, ok := p.pieceMgr.SelectNextBlock(p.peerBitfield, p.id)
		if !ok {
			break
		}
		p.outstanding[req] = now()
		if !p.send(p.wire.SendRequest(req.Index, req.Begin, req.Length)) {
			return
		}
	}
	if len(p.outstanding) == 0 {
		p.UpdateInterest()
	}
}

func (p *peer) UpdateInterest() {
	if p.state != Established {
		return
	}
	interested := p.pieceMgr.Interesting(p.peerBitfield)
	if interested == p.conn.ClientInterested {
		return
	}
	p.conn.ClientInterested = interested
	if interested {
		if p.send(p.wire.SendInterested()) {
			p.FillPipeline()
		}
		return
	}
	p.send(p.wire.SendUnInterested())
}

func (p *peer) Choke() {
	if p.state != Established || p.conn.ClientChoking {
		return
	}
	p.conn.ClientChoking = true
	p.uploads = make(map[piece.Request]bool)
	p.send(p.wire.SendChoke())
}

func (p *peer) Unchoke() {
	if p.state != Established || !p.conn.ClientChoking {
		return
	}
	p.conn.ClientChoking = false
	p.send(p.wire.SendUnchoke())
}

// CancelRequest withdraws a request another peer has already satisfied.
func (p *peer) CancelRequest(req piece.Request) {
	if _, ok := p.outstanding[req]; !ok || p.state != Established {
		return
	}
	delete(p.outstanding, req)
	p.send(p.wire.SendCancel(req.Index, req.Begin, req.Length))
}

// BlockRead sends a block read from disk if the peer still wants it.
func (p *peer) BlockRead(req piece.Request, data []byte) {
	if p.state != Established || !p.uploads[req] || p.conn.ClientChoking {
		return
	}
	delete(p.uploads, req)
	if p.send(p.wire.SendBlock(req.Index, req.Begin, data)) {
		p.stats.UpdatePeer(p.id, len(data), 0)
	}
}

func (p *peer) SendHave(pieceIndex int) {
	if p.state != Established {
		return
	}
	if p.send(p.wire.SendHave(pieceIndex)) && p.conn.ClientInterested {
		p.UpdateInterest()
	}
}

// Tick sends a keep-alive after a period of outbound silence.
func (p *peer) Tick(t time.Time) {
	if p.state != Established {
		return
	}
	if t.Sub(p.wire.GetLastMessageSent()) >= p.cfg.KeepAliveInterval {
		p.send(p.wire.SendKeepAlive())
	}
}

func (p *peer) Stale(t time.Time) bool {
	return t.Sub(p.lastRecv) >= p.cfg.PruneTimeout
}

func (p *peer) snubbed(t time.Time) bool {
	if !p.conn.ClientInterested || p.conn.PeerChoking {
		return false
	}
	last := p.lastPiece
	if p.unchokedAt.After(last) {
		last = p.unchokedAt
	}
	return t.Sub(last) > p.cfg.SnubTimeout
}

func (p *peer) Close(err error) {
	if p.state >= Closing {
		return
	}
	established := p.state == Established
	p.state = Closing
	p.closeErr = err

	released := p.pieceMgr.ReleasePeerRequests(p.id)
	p.outstanding = make(map[piece.Request]time.Time)
	p.uploads = make(map[piece.Request]bool)
	if established {
		p.pieceMgr.PeerLeft(p.id, p.peerBitfield)
	}
	if p.wire != nil {
		p.wire.Close()
	}
	p.state = Closed
	p.logger.Debugf("closed, %d requests released: %v", released, err)
	p.swarm.PeerClosed(p, err)
}
