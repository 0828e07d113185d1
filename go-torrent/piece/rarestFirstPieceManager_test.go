package piece

import (
	"bytes"
	"crypto/sha1"
	"testing"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Charana123/torrentd/go-torrent/torrent"
)

func newTestTorrent(t *testing.T, data []byte, pieceLength int) *torrent.Torrent {
	pieces := &bytes.Buffer{}
	for i := 0; i < len(data); i += pieceLength {
		end := i + pieceLength
		if end > len(data) {
			end = len(data)
		}
		h := sha1.Sum(data[i:end])
		pieces.Write(h[:])
	}
	tor, err := torrent.New(torrent.Info{
		PieceLength: pieceLength,
		Name:        "test",
		Length:      int64(len(data)),
		Pieces:      pieces.String(),
	}, "")
	require.NoError(t, err)
	return tor
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func full(n int) bitmap.Bitmap {
	b := bitmap.New(n)
	for i := 0; i < n; i++ {
		b.Set(i, true)
	}
	return b
}

func only(n int, pieces ...int) bitmap.Bitmap {
	b := bitmap.New(n)
	for _, i := range pieces {
		b.Set(i, true)
	}
	return b
}

func TestRarestPieceSelectedFirst(t *testing.T) {
	tor := newTestTorrent(t, testData(3*BLOCK_SIZE), BLOCK_SIZE)
	pm := NewRarestFirstPieceManager(tor, DefaultConfig(), nil)

	pm.PeerJoined("a")
	pm.PeerBitfield("a", full(3))
	pm.PeerJoined("b")
	pm.PeerBitfield("b", only(3, 0))
	pm.PeerJoined("c")
	pm.PieceHave("c", 2)

	// availability is [2, 1, 2]
	req, ok := pm.SelectNextBlock(full(3), "a")
	require.True(t, ok)
	assert.Equal(t, Request{Index: 1, Begin: 0, Length: BLOCK_SIZE}, req)

	// ties between 0 and 2 go to the lowest index
	req, ok = pm.SelectNextBlock(full(3), "a")
	require.True(t, ok)
	assert.Equal(t, 0, req.Index)

	status := pm.Status()
	assert.Equal(t, 2, status[0].Availability)
	assert.Equal(t, 1, status[1].Availability)
	assert.Equal(t, 1, status[1].Requested)
}

func TestRandomTieBreakPicksAmongRarest(t *testing.T) {
	tor := newTestTorrent(t, testData(6*BLOCK_SIZE), BLOCK_SIZE)
	cfg := DefaultConfig()
	cfg.TieBreak = Random
	cfg.Seed = 42
	pm := NewRarestFirstPieceManager(tor, cfg, nil)
	pm.PeerBitfield("a", full(6))
	pm.PieceHave("b", 0)
	pm.PieceHave("b", 5)

	for i := 0; i < 4; i++ {
		req, ok := pm.SelectNextBlock(full(6), "a")
		require.True(t, ok)
		assert.Contains(t, []int{1, 2, 3, 4}, req.Index)
	}
}

func TestPieceCompleted(t *testing.T) {
	data := testData(4 * BLOCK_SIZE)
	tor := newTestTorrent(t, data, 2*BLOCK_SIZE)
	pm := NewRarestFirstPieceManager(tor, DefaultConfig(), nil)
	pm.PeerJoined("a")
	pm.PeerBitfield("a", full(2))

	req1, _ := pm.SelectNextBlock(only(2, 0), "a")
	req2, _ := pm.SelectNextBlock(only(2, 0), "a")
	assert.Equal(t, Request{0, 0, BLOCK_SIZE}, req1)
	assert.Equal(t, Request{0, BLOCK_SIZE, BLOCK_SIZE}, req2)

	receipt, err := pm.MarkBlockReceived("a", 0, BLOCK_SIZE, data[BLOCK_SIZE:2*BLOCK_SIZE])
	require.NoError(t, err)
	assert.False(t, receipt.Complete)
	assert.Nil(t, pm.Assembled(0))

	receipt, err = pm.MarkBlockReceived("a", 0, 0, data[:BLOCK_SIZE])
	require.NoError(t, err)
	assert.True(t, receipt.Complete)
	assembled := pm.Assembled(0)
	assert.Equal(t, data[:2*BLOCK_SIZE], assembled)
	assert.Empty(t, pm.Requests("a"))

	// blocks of a piece being verified are not handed out again
	_, ok := pm.SelectNextBlock(only(2, 0), "a")
	assert.False(t, ok)

	outcome := pm.Verify(0, sha1.Sum(assembled))
	assert.True(t, outcome.Verified)
	assert.Equal(t, []string{"a"}, outcome.Contributors)
	assert.True(t, pm.Have(0))
	assert.True(t, pm.GetBitField().Get(0))
	assert.Equal(t, 1, pm.GetPiecesDownloaded())
	assert.Equal(t, int64(2*BLOCK_SIZE), pm.Left())

	// a piece becomes Have exactly once
	again := pm.Verify(0, sha1.Sum(assembled))
	assert.True(t, again.AlreadyHave)
	assert.False(t, again.Verified)
	assert.Equal(t, 1, pm.GetPiecesDownloaded())

	receipt, err = pm.MarkBlockReceived("a", 0, 0, data[:BLOCK_SIZE])
	require.NoError(t, err)
	assert.True(t, receipt.Duplicate)
}

func TestHashMismatchResetsPieceAndBans(t *testing.T) {
	data := testData(2 * BLOCK_SIZE)
	tor := newTestTorrent(t, data, 2*BLOCK_SIZE)
	cfg := DefaultConfig()
	cfg.BanThreshold = 2
	pm := NewRarestFirstPieceManager(tor, cfg, nil)
	pm.PeerBitfield("a", full(1))

	bad := make([]byte, BLOCK_SIZE)
	for round := 1; round <= 2; round++ {
		pm.SelectNextBlock(full(1), "a")
		pm.SelectNextBlock(full(1), "b")
		pm.MarkBlockReceived("a", 0, 0, data[:BLOCK_SIZE])
		receipt, err := pm.MarkBlockReceived("b", 0, BLOCK_SIZE, bad)
		require.NoError(t, err)
		require.True(t, receipt.Complete)

		outcome := pm.Verify(0, sha1.Sum(pm.Assembled(0)))
		assert.False(t, outcome.Verified)
		assert.Equal(t, []string{"a", "b"}, outcome.Contributors)
		if round == 1 {
			assert.Empty(t, outcome.Banned)
		} else {
			assert.Equal(t, []string{"a", "b"}, outcome.Banned)
		}
		assert.False(t, pm.Have(0))
		state, holders := pm.Block(0, 0)
		assert.Equal(t, BlockMissing, state)
		assert.Empty(t, holders)
		assert.Nil(t, pm.Assembled(0))
	}
	assert.True(t, pm.Verify(0, [20]byte{}).Stale)
}

func TestOneHolderPerBlockOutsideEndgame(t *testing.T) {
	tor := newTestTorrent(t, testData(16*BLOCK_SIZE), 4*BLOCK_SIZE)
	pm := NewRarestFirstPieceManager(tor, DefaultConfig(), nil)
	for _, id := range []string{"a", "b"} {
		pm.PeerJoined(id)
		pm.PeerBitfield(id, full(4))
	}

	for i := 0; i < MAX_OUTSTANDING_REQUESTS; i++ {
		for _, id := range []string{"a", "b"} {
			_, ok := pm.SelectNextBlock(full(4), id)
			require.True(t, ok)
		}
	}
	assert.False(t, pm.Endgame())
	for index := 0; index < 4; index++ {
		for begin := 0; begin < 4*BLOCK_SIZE; begin += BLOCK_SIZE {
			_, holders := pm.Block(index, begin)
			assert.True(t, len(holders) <= 1)
		}
	}
	assert.Len(t, pm.Requests("a"), MAX_OUTSTANDING_REQUESTS)
	assert.Len(t, pm.Requests("b"), MAX_OUTSTANDING_REQUESTS)
}

func TestEndgameDuplicatesRequests(t *testing.T) {
	data := testData(2 * BLOCK_SIZE)
	tor := newTestTorrent(t, data, 2*BLOCK_SIZE)
	cfg := DefaultConfig()
	cfg.EndgameMaxHolders = 2
	pm := NewRarestFirstPieceManager(tor, cfg, nil)
	for _, id := range []string{"a", "b", "c"} {
		pm.PeerJoined(id)
		pm.PeerBitfield(id, full(1))
	}

	reqA1, _ := pm.SelectNextBlock(full(1), "a")
	reqA2, _ := pm.SelectNextBlock(full(1), "a")
	assert.True(t, pm.Endgame())
	_, ok := pm.SelectNextBlock(full(1), "a")
	assert.False(t, ok, "a peer never holds the same block twice")

	reqB1, ok := pm.SelectNextBlock(full(1), "b")
	require.True(t, ok)
	assert.Equal(t, reqA1, reqB1)
	reqB2, _ := pm.SelectNextBlock(full(1), "b")
	assert.Equal(t, reqA2, reqB2)
	_, ok = pm.SelectNextBlock(full(1), "c")
	assert.False(t, ok, "holder cap reached")

	receipt, err := pm.MarkBlockReceived("b", 0, 0, data[:BLOCK_SIZE])
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, receipt.Cancelled)
	assert.Equal(t, []Request{reqA2}, pm.Requests("a"))

	// releasing a redundant holder keeps the block requested by the other
	assert.Equal(t, 1, pm.ReleasePeerRequests("a"))
	state, holders := pm.Block(0, BLOCK_SIZE)
	assert.Equal(t, BlockRequested, state)
	assert.Equal(t, []string{"b"}, holders)
}

func TestReleasePeerRequests(t *testing.T) {
	tor := newTestTorrent(t, testData(16*BLOCK_SIZE), 4*BLOCK_SIZE)
	pm := NewRarestFirstPieceManager(tor, DefaultConfig(), nil)
	pm.PeerJoined("a")
	pm.PeerJoined("b")

	var held []Request
	for i := 0; i < 3; i++ {
		req, _ := pm.SelectNextBlock(full(4), "a")
		held = append(held, req)
	}
	pm.SelectNextBlock(full(4), "b")
	pm.SelectNextBlock(full(4), "b")
	beforeB := pm.Requests("b")

	assert.Equal(t, 3, pm.ReleasePeerRequests("a"))
	for _, req := range held {
		state, holders := pm.Block(req.Index, req.Begin)
		assert.Equal(t, BlockMissing, state)
		assert.Empty(t, holders)
	}
	assert.Equal(t, beforeB, pm.Requests("b"))
	assert.Equal(t, 0, pm.ReleasePeerRequests("a"))

	// released blocks are handed out again
	req, _ := pm.SelectNextBlock(full(4), "c")
	assert.Equal(t, held[0], req)
}

func TestMalformedBlocksRejected(t *testing.T) {
	data := testData(BLOCK_SIZE + 100)
	tor := newTestTorrent(t, data, 2*BLOCK_SIZE)
	pm := NewRarestFirstPieceManager(tor, DefaultConfig(), nil)

	_, err := pm.MarkBlockReceived("a", 1, 0, data[:BLOCK_SIZE])
	assert.True(t, errors.Is(err, torrent.ErrProtocolViolation))
	_, err = pm.MarkBlockReceived("a", 0, 10, data[:BLOCK_SIZE])
	assert.True(t, errors.Is(err, torrent.ErrProtocolViolation))
	_, err = pm.MarkBlockReceived("a", 0, BLOCK_SIZE, data[:BLOCK_SIZE])
	assert.True(t, errors.Is(err, torrent.ErrProtocolViolation))

	// final short block
	_, err = pm.MarkBlockReceived("a", 0, BLOCK_SIZE, data[BLOCK_SIZE:])
	assert.NoError(t, err)
}

func TestBlockLengthsSumToPieceLength(t *testing.T) {
	tor := newTestTorrent(t, testData(5*BLOCK_SIZE+1234), 3*BLOCK_SIZE)
	cfg := DefaultConfig()
	cfg.EndgameFactor = 0
	pm := NewRarestFirstPieceManager(tor, cfg, nil)

	sums := map[int]int{}
	for {
		req, ok := pm.SelectNextBlock(full(2), "a")
		if !ok {
			break
		}
		sums[req.Index] += req.Length
	}
	assert.Equal(t, tor.PieceLen(0), sums[0])
	assert.Equal(t, tor.PieceLen(1), sums[1])
	assert.Equal(t, 2*BLOCK_SIZE+1234, sums[1])
}

func TestSkippedPiecesNotSelected(t *testing.T) {
	tor := newTestTorrent(t, testData(2*BLOCK_SIZE), BLOCK_SIZE)
	pm := NewRarestFirstPieceManager(tor, DefaultConfig(), nil)
	pm.SetPriority(0, PrioritySkip)

	assert.False(t, pm.Interesting(only(2, 0)))
	assert.True(t, pm.Interesting(only(2, 1)))
	req, ok := pm.SelectNextBlock(full(2), "a")
	require.True(t, ok)
	assert.Equal(t, 1, req.Index)
	_, ok = pm.SelectNextBlock(only(2, 0), "a")
	assert.False(t, ok)

	pm.Recheck(1, true)
	assert.True(t, pm.Done())
	assert.False(t, pm.Complete())
}

func TestHighPriorityBeatsRarity(t *testing.T) {
	tor := newTestTorrent(t, testData(3*BLOCK_SIZE), BLOCK_SIZE)
	pm := NewRarestFirstPieceManager(tor, DefaultConfig(), nil)
	pm.PeerBitfield("a", full(3))
	pm.PieceHave("b", 2)
	pm.SetPriority(2, PriorityHigh)

	req, _ := pm.SelectNextBlock(full(3), "a")
	assert.Equal(t, 2, req.Index)
}

func TestSequentialSelection(t *testing.T) {
	tor := newTestTorrent(t, testData(3*BLOCK_SIZE), BLOCK_SIZE)
	pm := NewSequentialPieceManager(tor, DefaultConfig(), only(3, 0))
	pm.PeerBitfield("a", full(3))
	pm.PieceHave("b", 1)

	// piece 2 is rarer but piece 1 comes first
	req, ok := pm.SelectNextBlock(full(3), "a")
	require.True(t, ok)
	assert.Equal(t, 1, req.Index)
	assert.True(t, pm.Have(0))
}

func TestRecheck(t *testing.T) {
	tor := newTestTorrent(t, testData(2*BLOCK_SIZE), BLOCK_SIZE)
	pm := NewRarestFirstPieceManager(tor, DefaultConfig(), only(2, 0, 1))
	assert.True(t, pm.Complete())

	pm.Recheck(1, false)
	assert.False(t, pm.Have(1))
	assert.Equal(t, 1, pm.GetPiecesDownloaded())
	assert.False(t, pm.GetBitField().Get(1))

	req, ok := pm.SelectNextBlock(full(2), "a")
	require.True(t, ok)
	assert.Equal(t, 1, req.Index)

	pm.Recheck(1, true)
	assert.True(t, pm.Complete())
	assert.Empty(t, pm.Requests("a"))
}

func TestAbortVerifying(t *testing.T) {
	data := testData(4 * BLOCK_SIZE)
	tor := newTestTorrent(t, data, 2*BLOCK_SIZE)
	pm := NewRarestFirstPieceManager(tor, DefaultConfig(), nil)
	pm.PeerJoined("a")
	pm.PeerBitfield("a", full(2))

	for begin := 0; begin < 2*BLOCK_SIZE; begin += BLOCK_SIZE {
		_, ok := pm.SelectNextBlock(only(2, 0), "a")
		require.True(t, ok)
		_, err := pm.MarkBlockReceived("a", 0, begin, data[begin:begin+BLOCK_SIZE])
		require.NoError(t, err)
	}
	require.NotNil(t, pm.Assembled(0))

	assert.Equal(t, []int{0}, pm.AbortVerifying())
	assert.Nil(t, pm.Assembled(0))
	assert.False(t, pm.Have(0))
	assert.True(t, pm.Verify(0, sha1.Sum(data[:2*BLOCK_SIZE])).Stale)
	assert.Empty(t, pm.AbortVerifying())

	req, ok := pm.SelectNextBlock(only(2, 0), "a")
	require.True(t, ok)
	assert.Equal(t, Request{0, 0, BLOCK_SIZE}, req)
}
