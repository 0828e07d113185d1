package piece

import (
	bitmap "github.com/boljen/go-bitmap"
)

var (
	MAX_OUTSTANDING_REQUESTS = 5
	BLOCK_SIZE               = 16384 // 2^14
)

// PieceManager tracks which pieces and blocks of a torrent are missing,
// requested or held, and decides what to request next. It performs no I/O
// and is not safe for concurrent use; the reactor goroutine owns it.
type PieceManager interface {
	NumPieces() int
	GetBitField() (clientBitfield bitmap.Bitmap)
	GetPiecesDownloaded() (piecesDownloaded int)
	Have(pieceIndex int) bool
	// Complete reports whether every piece has been verified.
	Complete() bool
	// Done reports whether every piece that is not skipped has been verified.
	Done() bool
	Left() int64
	Endgame() bool

	PeerJoined(id string)
	PeerLeft(id string, peerBitfield bitmap.Bitmap)
	PieceHave(id string, pieceIndex int)
	PeerBitfield(id string, peerBitfield bitmap.Bitmap)
	Interesting(peerBitfield bitmap.Bitmap) bool

	SelectNextBlock(peerBitfield bitmap.Bitmap, id string) (req Request, ok bool)
	MarkBlockReceived(id string, pieceIndex, begin int, data []byte) (Receipt, error)
	Assembled(pieceIndex int) []byte
	Verify(pieceIndex int, digest [20]byte) Outcome
	ReleasePeerRequests(id string) (released int)
	Requests(id string) []Request

	Recheck(pieceIndex int, ok bool)
	// AbortVerifying drops every assembled piece still waiting for Verify,
	// without penalizing its contributors, and returns their indices.
	AbortVerifying() (aborted []int)
	SetPriority(pieceIndex int, priority Priority)
	Status() []PieceStatus
	Block(pieceIndex, begin int) (state BlockState, holders []string)
}

// Request identifies a block: (piece index, offset in piece, length).
type Request struct {
	Index  int
	Begin  int
	Length int
}

type BlockState int

const (
	BlockMissing BlockState = iota
	BlockRequested
	BlockHave
)

func (s BlockState) String() string {
	switch s {
	case BlockRequested:
		return "requested"
	case BlockHave:
		return "have"
	}
	return "missing"
}

type Priority int

const (
	PrioritySkip Priority = iota
	PriorityNormal
	PriorityHigh
)

// TieBreak orders pieces of equal rarity.
type TieBreak int

const (
	LowestIndex TieBreak = iota
	Random
)

// Receipt describes the effect of a received block.
type Receipt struct {
	// Duplicate blocks were already held and have been discarded.
	Duplicate bool
	// Complete is set when the block completed the piece; the assembled
	// piece is then waiting for Verify.
	Complete bool
	// Cancelled lists the other peers that had requested the same block.
	Cancelled []string
}

// Outcome of verifying an assembled piece.
type Outcome struct {
	Verified     bool
	AlreadyHave  bool
	Stale        bool
	Contributors []string
	// Banned lists contributors whose hash failure count reached the ban
	// threshold.
	Banned []string
}

type PieceStatus struct {
	Index        int
	Have         bool
	Verifying    bool
	Availability int
	Priority     Priority
	Blocks       int
	Received     int
	Requested    int
}

type Config struct {
	BlockSize         int
	PipelineDepth     int
	EndgameFactor     float64
	EndgameMaxHolders int
	BanThreshold      int
	TieBreak          TieBreak
	Seed              int64
}

func DefaultConfig() Config {
	return Config{
		BlockSize:         BLOCK_SIZE,
		PipelineDepth:     MAX_OUTSTANDING_REQUESTS,
		EndgameFactor:     1.0,
		EndgameMaxHolders: 3,
		BanThreshold:      3,
		TieBreak:          LowestIndex,
	}
}
