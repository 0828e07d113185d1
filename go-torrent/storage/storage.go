package storage

import (
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()
var openFile = func(fs afero.Fs, name string, flag int) (afero.File, error) {
	return fs.OpenFile(name, flag, 0644)
}

// freeSpace reports the bytes available to unprivileged users on the
// filesystem holding path.
var freeSpace = func(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Storage maps piece ranges of one torrent onto its files. Implementations
// are safe for concurrent use by disk workers.
type Storage interface {
	// Init creates missing directories and files at their full size.
	Init() error
	BlockReadRequest(pieceIndex, begin, length int) (blockData []byte, err error)
	WriteBlockRequest(pieceIndex, begin int, data []byte) (err error)
	ReadPiece(pieceIndex int) (pieceData []byte, err error)
	// SyncPiece flushes every file the piece touches.
	SyncPiece(pieceIndex int) (err error)
	Close() error
	// Remove closes the storage and deletes the torrent's data.
	Remove() error
}
