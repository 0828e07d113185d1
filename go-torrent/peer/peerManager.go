package peer

import (
	"net"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"

	"github.com/Charana123/torrentd/go-torrent/torrent"
)

// PeerManager is the set of peers of one torrent together with the hosts
// banned for sending corrupt data.
type PeerManager interface {
	AddPeer(p Peer) error
	RemovePeer(id string)
	GetPeer(id string) (Peer, bool)
	GetPeerList() []Peer
	NumPeers() int
	StopPeers(err error)
	BroadcastHave(pieceIndex int)
	FillPipelines()
	Tick(now time.Time)
	BanPeers(ids ...string)
	Banned(id string) bool
}

type peerManager struct {
	peers       map[string]Peer
	maxPeers    int
	bannedPeers mapset.Set
}

func NewPeerManager(maxPeers int) PeerManager {
	return &peerManager{
		peers:       make(map[string]Peer),
		maxPeers:    maxPeers,
		bannedPeers: mapset.NewThreadUnsafeSet(),
	}
}

// host strips the port so a banned peer cannot return from another port.
func host(id string) string {
	h, _, err := net.SplitHostPort(id)
	if err != nil {
		return id
	}
	return h
}

func (pm *peerManager) BanPeers(ids ...string) {
	for _, id := range ids {
		pm.bannedPeers.Add(host(id))
		if p, ok := pm.peers[id]; ok {
			p.Close(errors.Wrap(torrent.ErrHashMismatch, "banned"))
		}
	}
}

func (pm *peerManager) Banned(id string) bool {
	return pm.bannedPeers.Contains(host(id))
}

func (pm *peerManager) AddPeer(p Peer) error {
	if pm.Banned(p.ID()) {
		return errors.Errorf("peer %s is banned", p.ID())
	}
	if _, ok := pm.peers[p.ID()]; ok {
		return errors.Errorf("already connected to %s", p.ID())
	}
	if len(pm.peers) >= pm.maxPeers {
		return errors.Wrapf(torrent.ErrResourceExhausted, "%d peers connected", len(pm.peers))
	}
	pm.peers[p.ID()] = p
	return nil
}

func (pm *peerManager) RemovePeer(id string) {
	delete(pm.peers, id)
}

func (pm *peerManager) GetPeer(id string) (Peer, bool) {
	p, ok := pm.peers[id]
	return p, ok
}

func (pm *peerManager) NumPeers() int {
	return len(pm.peers)
}

// GetPeerList returns the peers ordered by ID.
func (pm *peerManager) GetPeerList() []Peer {
	peers := make([]Peer, 0, len(pm.peers))
	for _, peer := range pm.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID() < peers[j].ID()
	})
	return peers
}

func (pm *peerManager) StopPeers(err error) {
	for _, peer := range pm.GetPeerList() {
		peer.Close(err)
	}
}

func (pm *peerManager) BroadcastHave(pieceIndex int) {
	for _, peer := range pm.GetPeerList() {
		peer.SendHave(pieceIndex)
	}
}

func (pm *peerManager) FillPipelines() {
	for _, peer := range pm.GetPeerList() {
		peer.FillPipeline()
	}
}

func (pm *peerManager) Tick(now time.Time) {
	for _, peer := range pm.GetPeerList() {
		peer.Tick(now)
	}
}
