package client

import (
	"github.com/Charana123/torrentd/go-torrent/piece"
	"github.com/Charana123/torrentd/go-torrent/torrent"
)

// FileDownload is a snapshot of one file of a torrent.
type FileDownload struct {
	Path      string
	Length    int64
	Priority  piece.Priority
	Completed int64
}

func fileDownloads(tor *torrent.Torrent, pieceMgr piece.PieceManager, priorities []piece.Priority) []FileDownload {
	files := make([]FileDownload, len(tor.Files))
	for i, f := range tor.Files {
		files[i] = FileDownload{
			Path:     tor.FilePath(i),
			Length:   f.Length,
			Priority: priorities[i],
		}
		first, last := tor.FilePieces(i)
		for pieceIndex := first; pieceIndex >= 0 && pieceIndex <= last; pieceIndex++ {
			if !pieceMgr.Have(pieceIndex) {
				continue
			}
			for _, span := range tor.Locate(pieceIndex, 0, tor.PieceLen(pieceIndex)) {
				if span.File == i {
					files[i].Completed += int64(span.Length)
				}
			}
		}
	}
	return files
}

// piecePriorities gives each piece the highest priority of the files it
// overlaps.
func piecePriorities(tor *torrent.Torrent, priorities []piece.Priority) []piece.Priority {
	out := make([]piece.Priority, tor.NumPieces)
	for i, p := range priorities {
		first, last := tor.FilePieces(i)
		for pieceIndex := first; pieceIndex >= 0 && pieceIndex <= last; pieceIndex++ {
			if p > out[pieceIndex] {
				out[pieceIndex] = p
			}
		}
	}
	return out
}
