package torrent

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"io/ioutil"
	"path"
	"strings"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	PEER_ID [20]byte
)

func init() {
	copy(PEER_ID[:8], []byte("-GT0001-"))
	_, err := rand.Read(PEER_ID[8:])
	if err != nil {
		log.Fatalln(err)
	}
}

type Torrent struct {
	Length    int64
	MetaInfo  MetaInfo
	InfoHash  [20]byte
	NumPieces int
	Files     []FileEntry
	// Raw holds the encoded metainfo so it can be persisted with resume state.
	Raw []byte
}

// FileEntry is a file of the torrent placed at Offset in the concatenated byte stream.
type FileEntry struct {
	Path   []string
	Length int64
	Offset int64
}

type MetaInfo struct {
	Info         Info       `bencode:"info"`
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	CreationDate int64      `bencode:"creation date,omitempty"`
	Comment      string     `bencode:"comment,omitempty"`
	CreatedBy    string     `bencode:"created by,omitempty"`
	Encoding     string     `bencode:"encoding,omitempty"`
}

type Info struct {
	PieceLength int    `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Private     int    `bencode:"private,omitempty"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length,omitempty"`
	Md5sum      string `bencode:"md5sum,omitempty"`
	Files       []File `bencode:"files,omitempty"`
}

type File struct {
	Length int64    `bencode:"length"`
	Md5sum string   `bencode:"md5sum,omitempty"`
	Path   []string `bencode:"path"`
}

func NewTorrent(torrentReader io.ReadSeeker) (*Torrent, error) {
	raw, err := ioutil.ReadAll(torrentReader)
	if err != nil {
		return nil, errors.Wrap(err, "reading metainfo")
	}
	return FromBytes(raw)
}

// FromBytes decodes an encoded metainfo dictionary.
func FromBytes(raw []byte) (*Torrent, error) {
	torrent := &Torrent{Raw: raw}

	metaInfo, err := bencode.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "decoding metainfo")
	}
	metaInfoMap, ok := metaInfo.(map[string]interface{})
	if !ok {
		return nil, errors.New("malformed torrent file: not a dictionary")
	}
	infoMap, ok := metaInfoMap["info"]
	if !ok {
		return nil, errors.New("malformed torrent file: missing info dictionary")
	}

	infoBencode := &bytes.Buffer{}
	if err := bencode.Marshal(infoBencode, infoMap); err != nil {
		return nil, errors.Wrap(err, "encoding info dictionary")
	}
	torrent.InfoHash = sha1.Sum(infoBencode.Bytes())

	err = bencode.Unmarshal(bytes.NewReader(raw), &torrent.MetaInfo)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshaling metainfo")
	}
	if err := torrent.layout(); err != nil {
		return nil, err
	}
	return torrent, nil
}

// New builds a torrent from an info dictionary, encoding it the same way a
// .torrent file would be.
func New(info Info, announce string) (*Torrent, error) {
	buf := &bytes.Buffer{}
	err := bencode.Marshal(buf, MetaInfo{Info: info, Announce: announce})
	if err != nil {
		return nil, errors.Wrap(err, "encoding metainfo")
	}
	return FromBytes(buf.Bytes())
}

func (t *Torrent) layout() error {
	info := &t.MetaInfo.Info
	if info.PieceLength <= 0 {
		return errors.Errorf("invalid piece length %d", info.PieceLength)
	}
	if len(info.Pieces)%sha1.Size != 0 {
		return errors.Errorf("pieces string of length %d is not a multiple of %d", len(info.Pieces), sha1.Size)
	}
	if info.Name == "" || !validComponent(info.Name) {
		return errors.Errorf("invalid torrent name %q", info.Name)
	}
	t.NumPieces = len(info.Pieces) / sha1.Size

	// Total size of all files
	t.Files = t.Files[:0]
	t.Length = 0
	if len(info.Files) > 0 {
		for _, f := range info.Files {
			if f.Length < 0 || len(f.Path) == 0 {
				return errors.Errorf("invalid file entry %v", f.Path)
			}
			for _, c := range f.Path {
				if !validComponent(c) {
					return errors.Errorf("invalid path component %q", c)
				}
			}
			t.Files = append(t.Files, FileEntry{Path: f.Path, Length: f.Length, Offset: t.Length})
			t.Length += f.Length
		}
	} else {
		if info.Length < 0 {
			return errors.Errorf("invalid length %d", info.Length)
		}
		t.Files = append(t.Files, FileEntry{Path: []string{info.Name}, Length: info.Length})
		t.Length = info.Length
	}

	pieceLen := int64(info.PieceLength)
	expected := int((t.Length + pieceLen - 1) / pieceLen)
	if expected != t.NumPieces {
		return errors.Errorf("torrent of %d bytes needs %d pieces, metainfo lists %d", t.Length, expected, t.NumPieces)
	}
	return nil
}

func validComponent(c string) bool {
	return c != "" && c != "." && c != ".." && !strings.ContainsAny(c, "/\\")
}

func (t *Torrent) HexHash() string {
	return hex.EncodeToString(t.InfoHash[:])
}

func (t *Torrent) Name() string {
	return t.MetaInfo.Info.Name
}

// MultiFile reports whether files are placed under a directory named after the torrent.
func (t *Torrent) MultiFile() bool {
	return len(t.MetaInfo.Info.Files) > 0
}

// FilePath is the slash separated path of a file relative to the data directory.
func (t *Torrent) FilePath(file int) string {
	if !t.MultiFile() {
		return t.MetaInfo.Info.Name
	}
	return path.Join(append([]string{t.MetaInfo.Info.Name}, t.Files[file].Path...)...)
}

func (t *Torrent) PieceLength() int {
	return t.MetaInfo.Info.PieceLength
}

// PieceLen returns the length of a piece; only the final piece may be shorter.
func (t *Torrent) PieceLen(index int) int {
	if index == t.NumPieces-1 {
		return int(t.Length - int64(index)*int64(t.MetaInfo.Info.PieceLength))
	}
	return t.MetaInfo.Info.PieceLength
}

func (t *Torrent) PieceHash(index int) (hash [20]byte) {
	copy(hash[:], t.MetaInfo.Info.Pieces[index*sha1.Size:(index+1)*sha1.Size])
	return hash
}

func (t *Torrent) NumBlocks(index, blockSize int) int {
	return (t.PieceLen(index) + blockSize - 1) / blockSize
}

// BlockLen returns the length of the block starting at begin, or 0 if begin
// is not a block boundary inside the piece.
func (t *Torrent) BlockLen(index, begin, blockSize int) int {
	pieceLen := t.PieceLen(index)
	if begin < 0 || begin >= pieceLen || begin%blockSize != 0 {
		return 0
	}
	if pieceLen-begin < blockSize {
		return pieceLen - begin
	}
	return blockSize
}
