package peer

import (
	"fmt"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/Charana123/torrentd/go-torrent/piece"
	"github.com/Charana123/torrentd/go-torrent/wire"
)

type mockPeer struct {
	mock.Mock
	info PeerInfo
}

func (m *mockPeer) ID() string { return m.info.ID }
func (m *mockPeer) State() State { return m.info.State }
func (m *mockPeer) Err() error { return nil }
func (m *mockPeer) GetPeerInfo() PeerInfo { return m.info }
func (m *mockPeer) GetBitField() bitmap.Bitmap { return nil }
func (m *mockPeer) Connected(w wire.Wire, parser *wire.Parser) {}
func (m *mockPeer) HandshakeReceived(h wire.Handshake) {}
func (m *mockPeer) Readable(data []byte) {}
func (m *mockPeer) FillPipeline() { m.Called() }
func (m *mockPeer) UpdateInterest() {}
func (m *mockPeer) CancelRequest(req piece.Request) {}
func (m *mockPeer) BlockRead(req piece.Request, data []byte) {}
func (m *mockPeer) SendHave(pieceIndex int) { m.Called(pieceIndex) }
func (m *mockPeer) Tick(now time.Time) {}
func (m *mockPeer) Stale(now time.Time) bool { return now.Sub(m.info.LastRecv) >= time.Minute }

func (m *mockPeer) Choke() {
	m.Called()
	m.info.Conn.ClientChoking = true
}

func (m *mockPeer) Unchoke() {
	m.Called()
	m.info.Conn.ClientChoking = false
}

func (m *mockPeer) Close(err error) {
	m.Called(err)
	m.info.State = Closed
}

func newMockPeer(id string, interested bool, rate float64) *mockPeer {
	return &mockPeer{info: PeerInfo{
		ID:           id,
		State:        Established,
		Conn:         ConnState{PeerInterested: interested, ClientChoking: true, PeerChoking: true},
		DownloadRate: rate,
		UploadRate:   rate,
	}}
}

func unchoked(infos []*PeerInfo) []string {
	ids := []string{}
	for _, info := range infos {
		if info.shouldUnchoke {
			ids = append(ids, info.ID)
		}
	}
	return ids
}

func TestChoke(t *testing.T) {
	p1 := newMockPeer("0.0.0.1", true, 10)
	p1.On("Unchoke").Return()
	p2 := newMockPeer("0.0.0.2", true, 20)
	p2.info.Conn.ClientChoking = false
	p3 := newMockPeer("0.0.0.3", false, 15)
	p4 := newMockPeer("0.0.0.4", false, 5)
	p4.info.Conn.ClientChoking = false
	p4.On("Choke").Return()

	c := NewChoke(1, 3)
	c.Run([]Peer{p1, p2, p3, p4}, false)

	// p2 is fastest, p1 is the optimistic unchoke, uninterested peers are choked
	p1.AssertCalled(t, "Unchoke")
	p2.AssertNotCalled(t, "Unchoke")
	p2.AssertNotCalled(t, "Choke")
	p3.AssertNotCalled(t, "Unchoke")
	p4.AssertCalled(t, "Choke")
}

func TestChokeNeverExceedsSlots(t *testing.T) {
	c := NewChoke(4, 3).(*choke)
	infos := []*PeerInfo{}
	for i := 0; i < 20; i++ {
		info := newMockPeer(fmt.Sprintf("10.0.0.%02d:1", i), i%3 != 0, float64(i)).info
		infos = append(infos, &info)
	}
	for round := 0; round < 30; round++ {
		// rates shift every round
		for i, info := range infos {
			info.DownloadRate = float64((i * (round + 7)) % 23)
		}
		c.decide(infos, false)
		assert.LessOrEqual(t, len(unchoked(infos)), 5)
		for _, info := range infos {
			if info.shouldUnchoke {
				assert.True(t, info.Conn.PeerInterested)
			}
		}
	}
}

func TestChokeUnchokesFastest(t *testing.T) {
	c := NewChoke(2, 3).(*choke)
	a := newMockPeer("a", true, 5).info
	b := newMockPeer("b", true, 50).info
	d := newMockPeer("d", true, 30).info
	e := newMockPeer("e", true, 1).info
	infos := []*PeerInfo{&a, &b, &d, &e}

	c.decide(infos, false)
	assert.True(t, b.shouldUnchoke)
	assert.True(t, d.shouldUnchoke)
	assert.Len(t, unchoked(infos), 3)
}

func TestChokeSnubbedPeersLast(t *testing.T) {
	c := NewChoke(1, 3).(*choke)
	fast := newMockPeer("fast", true, 100).info
	fast.Snubbed = true
	slow := newMockPeer("slow", true, 1).info
	infos := []*PeerInfo{&fast, &slow}

	c.decide(infos, false)
	assert.True(t, slow.shouldUnchoke)
	assert.Equal(t, "fast", c.optimistic)

	// snubbing is ignored when seeding
	c = NewChoke(1, 3).(*choke)
	c.decide(infos, true)
	assert.Equal(t, "slow", c.optimistic)
}

func TestOptimisticUnchokeRotates(t *testing.T) {
	c := NewChoke(1, 2).(*choke)
	top := newMockPeer("top", true, 100).info
	a := newMockPeer("a", true, 0).info
	b := newMockPeer("b", true, 0).info
	d := newMockPeer("d", true, 0).info
	infos := []*PeerInfo{&top, &a, &b, &d}

	seen := []string{}
	for round := 0; round < 8; round++ {
		c.decide(infos, false)
		seen = append(seen, c.optimistic)
		assert.True(t, top.shouldUnchoke)
	}
	assert.Equal(t, []string{"a", "a", "b", "b", "d", "d", "a", "a"}, seen)
}

func TestOptimisticReplacedWhenGone(t *testing.T) {
	c := NewChoke(1, 10).(*choke)
	top := newMockPeer("top", true, 100).info
	a := newMockPeer("a", true, 0).info
	b := newMockPeer("b", true, 0).info
	c.decide([]*PeerInfo{&top, &a, &b}, false)
	assert.Equal(t, "a", c.optimistic)

	a.Conn.PeerInterested = false
	c.decide([]*PeerInfo{&top, &a, &b}, false)
	assert.Equal(t, "b", c.optimistic)
	assert.False(t, a.shouldUnchoke)
}
