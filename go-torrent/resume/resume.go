package resume

import (
	"bytes"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	torrentsBucket  = []byte("torrents")
	bitfieldsBucket = []byte("bitfields")
)

// State is what is needed to bring a torrent back after a restart.
type State struct {
	// Encoded metainfo.
	Torrent    string
	Uploaded   int64
	Downloaded int64
	Paused     bool
	Priorities []int
	AddedAt    int64
	// Wire encoded bitfield of verified pieces, maintained separately by
	// MarkHave.
	Bitfield []byte
}

type record struct {
	Torrent    string `bencode:"torrent"`
	Uploaded   int64  `bencode:"uploaded"`
	Downloaded int64  `bencode:"downloaded"`
	Paused     int    `bencode:"paused"`
	Priorities []int  `bencode:"priorities,omitempty"`
	AddedAt    int64  `bencode:"added"`
}

// Store persists resume state in a bbolt database. It is safe for
// concurrent use.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening resume store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{torrentsBucket, bitfieldsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating resume buckets")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Save(infoHash string, state *State) error {
	rec := record{
		Torrent:    state.Torrent,
		Uploaded:   state.Uploaded,
		Downloaded: state.Downloaded,
		Priorities: state.Priorities,
		AddedAt:    state.AddedAt,
	}
	if state.Paused {
		rec.Paused = 1
	}
	buf := &bytes.Buffer{}
	if err := bencode.Marshal(buf, rec); err != nil {
		return errors.Wrap(err, "encoding resume state")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(torrentsBucket).Put([]byte(infoHash), buf.Bytes()); err != nil {
			return err
		}
		if state.Bitfield != nil {
			return tx.Bucket(bitfieldsBucket).Put([]byte(infoHash), state.Bitfield)
		}
		return nil
	})
}

// Load returns the saved state, or nil if there is none.
func (s *Store) Load(infoHash string) (*State, error) {
	var state *State
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(torrentsBucket).Get([]byte(infoHash))
		if data == nil {
			return nil
		}
		rec := record{}
		if err := bencode.Unmarshal(bytes.NewReader(data), &rec); err != nil {
			return errors.Wrapf(err, "decoding resume state of %s", infoHash)
		}
		state = &State{
			Torrent:    rec.Torrent,
			Uploaded:   rec.Uploaded,
			Downloaded: rec.Downloaded,
			Paused:     rec.Paused != 0,
			Priorities: rec.Priorities,
			AddedAt:    rec.AddedAt,
		}
		if bf := tx.Bucket(bitfieldsBucket).Get([]byte(infoHash)); bf != nil {
			state.Bitfield = append([]byte(nil), bf...)
		}
		return nil
	})
	return state, err
}

// MarkHave sets a piece in the persisted bitfield of a torrent with
// numPieces pieces.
func (s *Store) MarkHave(infoHash string, numPieces, pieceIndex int) error {
	if pieceIndex < 0 || pieceIndex >= numPieces {
		return errors.Errorf("piece %d out of range", pieceIndex)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bitfieldsBucket)
		bf := make([]byte, (numPieces+7)/8)
		copy(bf, b.Get([]byte(infoHash)))
		bf[pieceIndex/8] |= 0x80 >> uint(pieceIndex%8)
		return b.Put([]byte(infoHash), bf)
	})
}

func (s *Store) Delete(infoHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(torrentsBucket).Delete([]byte(infoHash)); err != nil {
			return err
		}
		return tx.Bucket(bitfieldsBucket).Delete([]byte(infoHash))
	})
}

// List returns the info hashes with saved state.
func (s *Store) List() ([]string, error) {
	var hashes []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(torrentsBucket).ForEach(func(k, _ []byte) error {
			hashes = append(hashes, string(k))
			return nil
		})
	})
	return hashes, err
}

// Marker binds MarkHave to one torrent.
func (s *Store) Marker(infoHash string, numPieces int) *Marker {
	return &Marker{store: s, infoHash: infoHash, numPieces: numPieces}
}

type Marker struct {
	store     *Store
	infoHash  string
	numPieces int
}

func (m *Marker) MarkHave(pieceIndex int) error {
	return m.store.MarkHave(m.infoHash, m.numPieces, pieceIndex)
}
