package piece

import (
	bitmap "github.com/boljen/go-bitmap"

	"github.com/Charana123/torrentd/go-torrent/torrent"
)

// sequential requests pieces in index order, for streaming. Priorities
// still apply before position.
type sequential struct {
	*rarestFirst
}

func NewSequentialPieceManager(
	tor *torrent.Torrent,
	cfg Config,
	clientBitField bitmap.Bitmap) PieceManager {

	return &sequential{
		rarestFirst: newRarestFirst(tor, cfg, clientBitField),
	}
}

func (pm *sequential) SelectNextBlock(peerBitfield bitmap.Bitmap, id string) (Request, bool) {
	return pm.selectWith(peerBitfield, id, pm.compare)
}

func (pm *sequential) compare(a, b int) int {
	pa, pb := pm.pieceInfo[a], pm.pieceInfo[b]
	if pa.priority != pb.priority {
		return int(pb.priority) - int(pa.priority)
	}
	return a - b
}
