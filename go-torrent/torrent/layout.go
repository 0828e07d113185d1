package torrent

import "sort"

// Span is a contiguous byte range inside a single file.
type Span struct {
	File   int
	Offset int64
	Length int
}

// Locate maps length bytes at begin inside a piece onto the files they are
// stored in, in file order. Zero length files never appear in the result.
func (t *Torrent) Locate(index, begin, length int) []Span {
	offset := int64(index)*int64(t.MetaInfo.Info.PieceLength) + int64(begin)
	if length <= 0 || offset < 0 || offset+int64(length) > t.Length {
		return nil
	}

	// first file whose end lies beyond offset
	fileIndex := sort.Search(len(t.Files), func(i int) bool {
		return t.Files[i].Offset+t.Files[i].Length > offset
	})

	spans := []Span{}
	for length > 0 && fileIndex < len(t.Files) {
		f := t.Files[fileIndex]
		if f.Length == 0 {
			fileIndex++
			continue
		}
		fileOffset := offset - f.Offset
		n := f.Length - fileOffset
		if n > int64(length) {
			n = int64(length)
		}
		spans = append(spans, Span{File: fileIndex, Offset: fileOffset, Length: int(n)})
		offset += n
		length -= int(n)
		fileIndex++
	}
	return spans
}

// FilePieces returns the inclusive range of pieces overlapping a file, or
// (-1, -1) for an empty file.
func (t *Torrent) FilePieces(file int) (first, last int) {
	f := t.Files[file]
	if f.Length == 0 {
		return -1, -1
	}
	pieceLen := int64(t.MetaInfo.Info.PieceLength)
	return int(f.Offset / pieceLen), int((f.Offset + f.Length - 1) / pieceLen)
}
