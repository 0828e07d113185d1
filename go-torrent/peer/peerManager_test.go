package peer

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Charana123/torrentd/go-torrent/torrent"
)

func TestAddPeerLimits(t *testing.T) {
	pm := NewPeerManager(2)
	require.NoError(t, pm.AddPeer(newMockPeer("10.0.0.1:1", false, 0)))
	assert.Error(t, pm.AddPeer(newMockPeer("10.0.0.1:1", false, 0)))
	require.NoError(t, pm.AddPeer(newMockPeer("10.0.0.2:1", false, 0)))

	err := pm.AddPeer(newMockPeer("10.0.0.3:1", false, 0))
	assert.True(t, errors.Is(err, torrent.ErrResourceExhausted))
	assert.Equal(t, 2, pm.NumPeers())

	pm.RemovePeer("10.0.0.1:1")
	assert.NoError(t, pm.AddPeer(newMockPeer("10.0.0.3:1", false, 0)))
}

func TestBanPeersByHost(t *testing.T) {
	pm := NewPeerManager(10)
	p := newMockPeer("10.0.0.1:6881", false, 0)
	p.On("Close", mock.Anything).Return()
	require.NoError(t, pm.AddPeer(p))

	pm.BanPeers("10.0.0.1:6881")
	p.AssertCalled(t, "Close", mock.Anything)
	assert.True(t, pm.Banned("10.0.0.1:7000"))
	assert.False(t, pm.Banned("10.0.0.2:6881"))

	pm.RemovePeer(p.ID())
	assert.Error(t, pm.AddPeer(newMockPeer("10.0.0.1:7000", false, 0)))
}

func TestBroadcastHave(t *testing.T) {
	pm := NewPeerManager(10)
	peers := []*mockPeer{}
	for i := 0; i < 3; i++ {
		p := newMockPeer(fmt.Sprintf("10.0.0.%d:1", i), false, 0)
		p.On("SendHave", 7).Return()
		require.NoError(t, pm.AddPeer(p))
		peers = append(peers, p)
	}
	pm.BroadcastHave(7)
	for _, p := range peers {
		p.AssertNumberOfCalls(t, "SendHave", 1)
	}
}

func TestGetPeerListOrdered(t *testing.T) {
	pm := NewPeerManager(10)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, pm.AddPeer(newMockPeer(id, false, 0)))
	}
	list := pm.GetPeerList()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID())
	assert.Equal(t, "c", list[2].ID())
}

func TestWorstFirst(t *testing.T) {
	base := time.Now()
	useless := newMockPeer("useless", false, 0)
	useless.info.LastRecv = base
	slow := newMockPeer("slow", false, 1)
	slow.info.Downloaded = 100
	fast := newMockPeer("fast", false, 50)
	fast.info.Downloaded = 100
	older := newMockPeer("older", false, 1)
	older.info.Downloaded = 100
	older.info.LastRecv = base.Add(-time.Hour)
	slow.info.LastRecv = base

	ordered := WorstFirst([]Peer{fast, slow, useless, older})
	got := []string{}
	for _, p := range ordered {
		got = append(got, p.ID())
	}
	assert.Equal(t, []string{"useless", "older", "slow", "fast"}, got)
}

func TestStale(t *testing.T) {
	base := time.Now()
	quiet := newMockPeer("quiet", false, 0)
	quiet.info.LastRecv = base.Add(-2 * time.Minute)
	active := newMockPeer("active", false, 0)
	active.info.LastRecv = base

	stale := Stale([]Peer{quiet, active}, base)
	require.Len(t, stale, 1)
	assert.Equal(t, "quiet", stale[0].ID())
}
