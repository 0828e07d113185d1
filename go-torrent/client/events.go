package client

import (
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Charana123/torrentd/go-torrent/disk"
	"github.com/Charana123/torrentd/go-torrent/peer"
	"github.com/Charana123/torrentd/go-torrent/reactor"
	"github.com/Charana123/torrentd/go-torrent/torrent"
	"github.com/Charana123/torrentd/go-torrent/wire"
)

// HandleEvent implements reactor.Handler.
func (c *client) HandleEvent(ev reactor.Event) {
	switch ev := ev.(type) {
	case reactor.Accepted:
		c.pending[ev.Sock] = &pendingConn{
			sock:   ev.Sock,
			parser: wire.NewParser(c.cfg.PeerConfig().MaxMessageLength, true),
			since:  now(),
		}
		ev.Sock.Owner = c.pending[ev.Sock]
	case reactor.Readable:
		switch owner := ev.Sock.Owner.(type) {
		case *pendingConn:
			c.handshake(owner, ev.Data)
		case peer.Peer:
			owner.Readable(ev.Data)
		}
	case reactor.Hangup:
		switch owner := ev.Sock.Owner.(type) {
		case *pendingConn:
			delete(c.pending, owner.sock)
			owner.sock.Close()
		case peer.Peer:
			owner.Close(ev.Err)
		}
	case reactor.Dialed:
		c.dialed(ev)
	case reactor.Tick:
		c.tick(ev.Name, ev.Now)
	}
}

// HandleCompletions implements reactor.Handler.
func (c *client) HandleCompletions(batch []disk.Completion) {
	for _, comp := range batch {
		t, ok := c.torrents[comp.Torrent]
		if !ok {
			continue
		}
		t.pendingJobs--
		if t.removing || comp.Generation != t.generation {
			c.maybeFinalize(t)
			continue
		}
		t.complete(comp)
	}
}

// handshake parses the opening bytes of an inbound connection and hands it
// to the torrent named by the info hash.
func (c *client) handshake(pc *pendingConn, data []byte) {
	msgs, err := pc.parser.Feed(data)
	if err != nil {
		c.reject(pc, err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	h := msgs[0].Handshake
	if h == nil {
		c.reject(pc, torrent.Violation("expected handshake"))
		return
	}
	t, ok := c.torrents[hex.EncodeToString(h.InfoHash[:])]
	if !ok || !t.active() {
		c.reject(pc, errors.Wrapf(torrent.ErrConnection, "no active torrent %x", h.InfoHash))
		return
	}
	p := t.newPeer(pc.sock.Addr(), true)
	if err := t.peerMgr.AddPeer(p); err != nil {
		c.reject(pc, err)
		return
	}
	delete(c.pending, pc.sock)
	pc.sock.Owner = p
	p.Connected(wire.NewWire(pc.sock), pc.parser)
	p.HandshakeReceived(*h)
	if p.State() == peer.Established {
		// bytes that arrived behind the handshake
		p.Readable(nil)
	}
}

func (c *client) reject(pc *pendingConn, err error) {
	log.WithField("peer", pc.sock.Addr()).Debugf("Rejecting connection: %v", err)
	delete(c.pending, pc.sock)
	pc.sock.Close()
}

func (c *client) dialed(ev reactor.Dialed) {
	id, _ := ev.Tag.(string)
	t, ok := c.torrents[id]
	if ok {
		t.dialing.Remove(ev.Addr)
	}
	if ev.Err != nil {
		log.WithField("peer", ev.Addr).Debugf("Dial failed: %v", ev.Err)
		return
	}
	if !ok || !t.active() {
		ev.Sock.Close()
		return
	}
	p := t.newPeer(ev.Addr, false)
	if err := t.peerMgr.AddPeer(p); err != nil {
		log.WithField("peer", ev.Addr).Debugf("Dropping dialed connection: %v", err)
		ev.Sock.Close()
		return
	}
	ev.Sock.Owner = p
	p.Connected(wire.NewWire(ev.Sock), nil)
}

func (c *client) tick(name string, t time.Time) {
	switch name {
	case "choke":
		for _, td := range c.sortedTorrents() {
			if td.active() {
				td.choke.Run(td.peerMgr.GetPeerList(), td.status != Leeching)
			}
		}
	case "keepalive":
		for _, td := range c.torrents {
			td.peerMgr.Tick(t)
		}
	case "maintain":
		c.maintain(t)
	case "stats":
		for _, td := range c.torrents {
			td.stats.Tick(t)
		}
	case "save":
		for _, td := range c.torrents {
			td.save()
		}
	}
}

// maintain expires slow handshakes and dials candidates.
func (c *client) maintain(t time.Time) {
	for _, pc := range c.pending {
		if t.Sub(pc.since) >= c.cfg.HandshakeTimeout {
			c.reject(pc, errors.Wrap(torrent.ErrConnection, "handshake timeout"))
		}
	}
	torrents := c.sortedTorrents()
	for _, td := range torrents {
		for _, p := range td.peerMgr.GetPeerList() {
			if p.State() < peer.Established && t.Sub(p.GetPeerInfo().ConnectedAt) >= c.cfg.HandshakeTimeout {
				p.Close(errors.Wrap(torrent.ErrConnection, "handshake timeout"))
			}
		}
	}
	for _, td := range torrents {
		c.connect(td, t)
	}
}

// connect dials candidates of td while it wants peers. When no socket slot
// is free, one stale connection is pruned to make room.
func (c *client) connect(td *torrentDownload, t time.Time) {
	pruned := false
	for _, addr := range td.sortedCandidates() {
		if !td.wantsPeers() {
			return
		}
		if !c.reactor.Dial(addr, c.cfg.DialTimeout, td.id) {
			if pruned || !c.prune(t) {
				return
			}
			pruned = true
			if !c.reactor.Dial(addr, c.cfg.DialTimeout, td.id) {
				return
			}
		}
		td.candidates.Remove(addr)
		td.dialing.Add(addr)
	}
}

// prune closes the least valuable stale peer across all torrents. The slot
// is released when the socket closes, so the caller may retry right away.
func (c *client) prune(t time.Time) bool {
	var stale []peer.Peer
	for _, td := range c.sortedTorrents() {
		stale = append(stale, td.peerMgr.GetPeerList()...)
	}
	victims := peer.Stale(stale, t)
	if len(victims) == 0 {
		return false
	}
	victim := victims[0]
	log.WithField("peer", victim.ID()).Debug("Pruning stale connection")
	victim.Close(errors.Wrap(torrent.ErrResourceExhausted, "pruned"))
	return true
}
