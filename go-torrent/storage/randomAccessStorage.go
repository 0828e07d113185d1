package storage

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"

	humanize "github.com/dustin/go-humanize"
	multierror "github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/Charana123/torrentd/go-torrent/torrent"
)

type randomAccessStorage struct {
	torrent   *torrent.Torrent
	fs        afero.Fs
	dataDir   string
	files     *lru.Cache
	fileLocks []*sync.Mutex

	evictLock sync.Mutex
	evicted   []evictedFile
}

type evictedFile struct {
	index int
	file  afero.File
}

// NewRandomAccessStorage stores a torrent below dataDir, keeping at most
// openFiles file handles open.
func NewRandomAccessStorage(
	tor *torrent.Torrent,
	dataDir string,
	openFiles int) (Storage, error) {

	return newRandomAccessStorage(appFS, tor, dataDir, openFiles)
}

func newRandomAccessStorage(fs afero.Fs, tor *torrent.Torrent, dataDir string, openFiles int) (*randomAccessStorage, error) {
	if openFiles < 1 {
		openFiles = 1
	}
	s := &randomAccessStorage{
		torrent: tor,
		fs:      fs,
		dataDir: dataDir,
	}
	cache, err := lru.NewWithEvict(openFiles, func(key, value interface{}) {
		s.evictLock.Lock()
		s.evicted = append(s.evicted, evictedFile{index: key.(int), file: value.(afero.File)})
		s.evictLock.Unlock()
	})
	if err != nil {
		return nil, err
	}
	s.files = cache
	for range tor.Files {
		s.fileLocks = append(s.fileLocks, &sync.Mutex{})
	}
	return s, nil
}

func (d *randomAccessStorage) filePath(fileIndex int) string {
	return filepath.Join(d.dataDir, filepath.FromSlash(d.torrent.FilePath(fileIndex)))
}

func (d *randomAccessStorage) Init() error {
	needed := int64(0)
	sizes := make([]int64, len(d.torrent.Files))
	for i, f := range d.torrent.Files {
		if fi, err := d.fs.Stat(d.filePath(i)); err == nil {
			sizes[i] = fi.Size()
		} else if !os.IsNotExist(err) {
			return errors.Wrapf(torrent.ErrDisk, "stat %s: %v", d.filePath(i), err)
		}
		if sizes[i] < f.Length {
			needed += f.Length - sizes[i]
		}
	}
	if err := d.fs.MkdirAll(d.dataDir, 0755); err != nil {
		return errors.Wrapf(torrent.ErrDisk, "creating %s: %v", d.dataDir, err)
	}
	if free, err := freeSpace(d.dataDir); err != nil {
		log.WithField("dir", d.dataDir).Warnf("Unable to check free space: %v", err)
	} else if uint64(needed) > free {
		return errors.Wrapf(torrent.ErrDisk, "%s needed, %s free", humanize.Bytes(uint64(needed)), humanize.Bytes(free))
	}

	// Create sub-directories and size files
	for i, f := range d.torrent.Files {
		p := d.filePath(i)
		if err := d.fs.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return errors.Wrapf(torrent.ErrDisk, "creating %s: %v", filepath.Dir(p), err)
		}
		file, err := openFile(d.fs, p, os.O_CREATE|os.O_RDWR)
		if err != nil {
			return errors.Wrapf(torrent.ErrDisk, "opening %s: %v", p, err)
		}
		if sizes[i] < f.Length {
			err = file.Truncate(f.Length)
		}
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Wrapf(torrent.ErrDisk, "allocating %s: %v", p, err)
		}
	}
	log.WithField("torrent", d.torrent.Name()).Debugf("Allocated %d files, %s", len(d.torrent.Files), humanize.Bytes(uint64(d.torrent.Length)))
	return nil
}

// file returns an open handle; the caller holds fileLocks[fileIndex].
func (d *randomAccessStorage) file(fileIndex int) (afero.File, error) {
	if f, ok := d.files.Get(fileIndex); ok {
		return f.(afero.File), nil
	}
	f, err := openFile(d.fs, d.filePath(fileIndex), os.O_RDWR)
	if err != nil {
		return nil, err
	}
	d.files.Add(fileIndex, f)
	return f, nil
}

// closeEvicted closes handles pushed out of the cache once nobody is using
// them. It must be called without holding any file lock.
func (d *randomAccessStorage) closeEvicted() error {
	d.evictLock.Lock()
	evicted := d.evicted
	d.evicted = nil
	d.evictLock.Unlock()

	var result error
	for _, e := range evicted {
		d.fileLocks[e.index].Lock()
		if err := e.file.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		d.fileLocks[e.index].Unlock()
	}
	return result
}

func (d *randomAccessStorage) withFile(fileIndex int, fn func(afero.File) error) error {
	d.fileLocks[fileIndex].Lock()
	f, err := d.file(fileIndex)
	if err == nil {
		err = fn(f)
	}
	d.fileLocks[fileIndex].Unlock()
	if cerr := d.closeEvicted(); err == nil && cerr != nil {
		log.Warnf("Closing evicted files: %v", cerr)
	}
	return err
}

func (d *randomAccessStorage) spans(pieceIndex, begin, length int) ([]torrent.Span, error) {
	spans := d.torrent.Locate(pieceIndex, begin, length)
	if spans == nil {
		return nil, errors.Errorf("range (%d, %d, %d) outside torrent", pieceIndex, begin, length)
	}
	return spans, nil
}

func (d *randomAccessStorage) BlockReadRequest(pieceIndex, begin, length int) ([]byte, error) {
	spans, err := d.spans(pieceIndex, begin, length)
	if err != nil {
		return nil, err
	}
	blockData := make([]byte, length)
	pos := 0
	for _, span := range spans {
		buf := blockData[pos : pos+span.Length]
		err := d.withFile(span.File, func(f afero.File) error {
			n, err := f.ReadAt(buf, span.Offset)
			if err == io.EOF && n == len(buf) {
				return nil
			}
			return err
		})
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", d.torrent.FilePath(span.File))
		}
		pos += span.Length
	}
	return blockData, nil
}

func (d *randomAccessStorage) WriteBlockRequest(pieceIndex, begin int, data []byte) error {
	spans, err := d.spans(pieceIndex, begin, len(data))
	if err != nil {
		return err
	}
	pos := 0
	for _, span := range spans {
		buf := data[pos : pos+span.Length]
		err := d.withFile(span.File, func(f afero.File) error {
			_, err := f.WriteAt(buf, span.Offset)
			return err
		})
		if err != nil {
			return errors.Wrapf(err, "writing %s", d.torrent.FilePath(span.File))
		}
		pos += span.Length
	}
	return nil
}

func (d *randomAccessStorage) ReadPiece(pieceIndex int) ([]byte, error) {
	return d.BlockReadRequest(pieceIndex, 0, d.torrent.PieceLen(pieceIndex))
}

func (d *randomAccessStorage) SyncPiece(pieceIndex int) error {
	spans, err := d.spans(pieceIndex, 0, d.torrent.PieceLen(pieceIndex))
	if err != nil {
		return err
	}
	for _, span := range spans {
		err := d.withFile(span.File, func(f afero.File) error {
			return f.Sync()
		})
		if err != nil {
			return errors.Wrapf(err, "syncing %s", d.torrent.FilePath(span.File))
		}
	}
	return nil
}

func (d *randomAccessStorage) Close() error {
	d.files.Purge()
	return d.closeEvicted()
}

func (d *randomAccessStorage) Remove() error {
	var result error
	if err := d.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	root := filepath.Join(d.dataDir, filepath.FromSlash(path.Clean(d.torrent.Name())))
	if err := d.fs.RemoveAll(root); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}
