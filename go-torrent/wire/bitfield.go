package wire

import (
	bitmap "github.com/boljen/go-bitmap"

	"github.com/Charana123/torrentd/go-torrent/torrent"
)

// EncodeBitField packs the first n bits of b into the wire layout, where
// piece 0 is the high bit of the first byte.
func EncodeBitField(b bitmap.Bitmap, n int) []byte {
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if b.Get(i) {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

// DecodeBitField unpacks a wire bitfield for a torrent of n pieces. The
// payload must be exactly ceil(n/8) bytes and the spare trailing bits clear.
func DecodeBitField(data []byte, n int) (bitmap.Bitmap, error) {
	if len(data) != (n+7)/8 {
		return nil, torrent.Violation("bitfield of %d bytes for %d pieces", len(data), n)
	}
	b := bitmap.New(n)
	for i := 0; i < len(data)*8; i++ {
		set := data[i/8]&(0x80>>uint(i%8)) != 0
		if !set {
			continue
		}
		if i >= n {
			return nil, torrent.Violation("bitfield spare bit %d set", i)
		}
		b.Set(i, true)
	}
	return b, nil
}
