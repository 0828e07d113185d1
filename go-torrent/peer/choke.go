package peer

import (
	"sort"
	"time"
)

// PeerInfo is a snapshot of a peer used by the choker, pruning and status
// reporting.
type PeerInfo struct {
	ID            string
	Incoming      bool
	State         State
	Conn          ConnState
	Snubbed       bool
	Outstanding   int
	QueuedUploads int
	Pieces        int
	ConnectedAt   time.Time
	LastRecv      time.Time
	LastPiece     time.Time
	UploadRate    float64
	DownloadRate  float64
	Uploaded      int64
	Downloaded    int64

	speed         float64
	shouldUnchoke bool
}

func (p *peer) GetPeerInfo() PeerInfo {
	t := now()
	stat := p.stats.GetPeerStat(p.id)
	pieces := 0
	if p.peerBitfield != nil {
		for i := 0; i < p.tor.NumPieces; i++ {
			if p.peerBitfield.Get(i) {
				pieces++
			}
		}
	}
	return PeerInfo{
		ID:            p.id,
		Incoming:      p.incoming,
		State:         p.state,
		Conn:          p.conn,
		Snubbed:       p.snubbed(t),
		Outstanding:   len(p.outstanding),
		QueuedUploads: len(p.uploads),
		Pieces:        pieces,
		ConnectedAt:   p.connectedAt,
		LastRecv:      p.lastRecv,
		LastPiece:     p.lastPiece,
		UploadRate:    stat.UploadRate,
		DownloadRate:  stat.DownloadRate,
		Uploaded:      stat.Uploaded,
		Downloaded:    stat.Downloaded,
	}
}

// Choke runs the periodic tit-for-tat unchoke round of one torrent.
type Choke interface {
	Run(peers []Peer, seeding bool)
}

type choke struct {
	slots           int
	optimisticEvery int
	round           int
	optimistic      string
}

func NewChoke(slots, optimisticEvery int) Choke {
	if optimisticEvery < 1 {
		optimisticEvery = 1
	}
	return &choke{
		slots:           slots,
		optimisticEvery: optimisticEvery,
	}
}

func (c *choke) Run(peers []Peer, seeding bool) {
	peerInfos := make([]*PeerInfo, len(peers))
	for i, peer := range peers {
		info := peer.GetPeerInfo()
		peerInfos[i] = &info
	}
	c.decide(peerInfos, seeding)

	// apply unchoke/choke
	for i, peerInfo := range peerInfos {
		if peerInfo.shouldUnchoke && peerInfo.Conn.ClientChoking {
			peers[i].Unchoke()
		}
		if !peerInfo.shouldUnchoke && !peerInfo.Conn.ClientChoking {
			peers[i].Choke()
		}
	}
}

// decide marks at most slots+1 peers to be unchoked: the best interested
// peers by transfer rate plus one optimistic unchoke.
func (c *choke) decide(peerInfos []*PeerInfo, seeding bool) {
	interested := make([]*PeerInfo, 0, len(peerInfos))
	for _, peerInfo := range peerInfos {
		peerInfo.shouldUnchoke = false
		if seeding {
			peerInfo.speed = peerInfo.UploadRate
		} else {
			peerInfo.speed = peerInfo.DownloadRate
		}
		if peerInfo.State == Established && peerInfo.Conn.PeerInterested {
			interested = append(interested, peerInfo)
		}
	}

	// Sort in descending order of speed, snubbing peers last
	sort.Slice(interested, func(i, j int) bool {
		a, b := interested[i], interested[j]
		if !seeding && a.Snubbed != b.Snubbed {
			return b.Snubbed
		}
		if a.speed != b.speed {
			return a.speed > b.speed
		}
		return a.ID < b.ID
	})

	regular := c.slots
	if regular > len(interested) {
		regular = len(interested)
	}
	for _, peerInfo := range interested[:regular] {
		peerInfo.shouldUnchoke = true
	}

	rest := append([]*PeerInfo(nil), interested[regular:]...)
	sort.Slice(rest, func(i, j int) bool {
		return rest[i].ID < rest[j].ID
	})
	c.optimisticUnchoke(rest)
	c.round++
}

// optimisticUnchoke keeps the current optimistic peer for optimisticEvery
// rounds, then moves on to the next candidate in ID order.
func (c *choke) optimisticUnchoke(candidates []*PeerInfo) {
	if len(candidates) == 0 {
		c.optimistic = ""
		return
	}
	current := -1
	for i, peerInfo := range candidates {
		if peerInfo.ID == c.optimistic {
			current = i
			break
		}
	}
	if current >= 0 && c.round%c.optimisticEvery != 0 {
		candidates[current].shouldUnchoke = true
		return
	}
	next := 0
	for i, peerInfo := range candidates {
		if peerInfo.ID > c.optimistic {
			next = i
			break
		}
	}
	c.optimistic = candidates[next].ID
	candidates[next].shouldUnchoke = true
}
