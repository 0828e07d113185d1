package peer

import (
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"
)

type pruneEntry struct {
	peer Peer
	info PeerInfo
}

// pruneOrder ranks peers that never sent us data first, then slower peers,
// then the ones silent for longest.
func pruneOrder(a, b interface{}) int {
	x, y := a.(pruneEntry).info, b.(pruneEntry).info
	if (x.Downloaded > 0) != (y.Downloaded > 0) {
		if x.Downloaded == 0 {
			return -1
		}
		return 1
	}
	if x.DownloadRate != y.DownloadRate {
		if x.DownloadRate < y.DownloadRate {
			return -1
		}
		return 1
	}
	if !x.LastRecv.Equal(y.LastRecv) {
		if x.LastRecv.Before(y.LastRecv) {
			return -1
		}
		return 1
	}
	switch {
	case x.ID < y.ID:
		return -1
	case x.ID > y.ID:
		return 1
	}
	return 0
}

// WorstFirst orders peers from least to most valuable.
func WorstFirst(peers []Peer) []Peer {
	heap := binaryheap.NewWith(pruneOrder)
	for _, p := range peers {
		heap.Push(pruneEntry{peer: p, info: p.GetPeerInfo()})
	}
	ordered := make([]Peer, 0, len(peers))
	for {
		v, ok := heap.Pop()
		if !ok {
			break
		}
		ordered = append(ordered, v.(pruneEntry).peer)
	}
	return ordered
}

// Stale returns the peers that have been silent for longer than the prune
// timeout, least valuable first.
func Stale(peers []Peer, now time.Time) []Peer {
	stale := make([]Peer, 0)
	for _, p := range peers {
		if p.Stale(now) {
			stale = append(stale, p)
		}
	}
	return WorstFirst(stale)
}
