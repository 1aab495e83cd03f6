package storage

import (
	"crypto/sha1"
	"fmt"
)

// PieceMap translates between a flat piece-indexed view and the underlying
// FileMap's byte range, and reads/writes/verifies whole pieces.
type PieceMap struct {
	fm          *FileMap
	pieceLength int64
	totalLength int64
	pieceCount  uint32
}

// NewPieceMap builds a PieceMap of pieceLength-sized pieces over fm.
func NewPieceMap(fm *FileMap, pieceLength int64) *PieceMap {
	total := fm.TotalLength()
	count := uint32((total + pieceLength - 1) / pieceLength)
	return &PieceMap{fm: fm, pieceLength: pieceLength, totalLength: total, pieceCount: count}
}

// PieceCount returns ceil(total/nominal piece length).
func (p *PieceMap) PieceCount() uint32 { return p.pieceCount }

// PieceLength returns the length of piece i: the nominal piece length,
// except the last piece is total % nominal if that remainder is non-zero.
func (p *PieceMap) PieceLength(i uint32) int64 {
	if i == p.pieceCount-1 {
		if last := p.totalLength % p.pieceLength; last != 0 {
			return last
		}
	}
	return p.pieceLength
}

// ReadPiece seeks to i*L then fills buf (len(buf) <= PieceLength(i)).
func (p *PieceMap) ReadPiece(i uint32, buf []byte) error {
	if int64(len(buf)) > p.PieceLength(i) {
		return fmt.Errorf("storage: read buffer too large for piece %d", i)
	}
	return p.fm.ReadAt(buf, int64(i)*p.pieceLength)
}

// WritePiece writes data at piece i's offset.
func (p *PieceMap) WritePiece(i uint32, data []byte) error {
	if int64(len(data)) > p.PieceLength(i) {
		return fmt.Errorf("storage: write buffer too large for piece %d", i)
	}
	return p.fm.WriteAt(data, int64(i)*p.pieceLength)
}

// VerifyPiece reads piece i and compares its SHA-1 to expected.
func (p *PieceMap) VerifyPiece(i uint32, expected [20]byte) (bool, error) {
	buf := make([]byte, p.PieceLength(i))
	if err := p.ReadPiece(i, buf); err != nil {
		return false, err
	}
	return sha1.Sum(buf) == expected, nil
}

// Close releases the underlying FileMap's file handles.
func (p *PieceMap) Close() error { return p.fm.Close() }
