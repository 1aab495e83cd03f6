package checker

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/gorain/internal/metainfo"
	"github.com/cenkalti/gorain/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestPieceMap(t *testing.T, data []byte, pieceLength int64) (*storage.PieceMap, []([20]byte)) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, data, 0644))

	fm, err := storage.NewFileMap([]storage.LocalFile{{TorrentPath: "f", LocalPath: path, Length: int64(len(data))}})
	require.NoError(t, err)
	pm := storage.NewPieceMap(fm, pieceLength)

	var hashes []([20]byte)
	for i := int64(0); i < int64(len(data)); i += pieceLength {
		end := i + pieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		hashes = append(hashes, sha1.Sum(data[i:end]))
	}
	return pm, hashes
}

func TestCheckAllValidPieces(t *testing.T) {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	pm, hashes := newTestPieceMap(t, data, 32)

	info := &metainfo.Info{PieceLength: 32, Pieces: hashes, Length: int64(len(data))}
	var infoHash [20]byte
	infoHash[0] = 9

	c := New()
	defer c.Shutdown()

	resultC := make(chan Result, 1)
	c.Enqueue(&Job{InfoHash: infoHash, Pieces: pm, Info: info, ResultC: resultC})

	select {
	case res := <-resultC:
		require.NoError(t, res.Err)
		require.Equal(t, uint32(len(hashes)), res.Bitfield.Ones())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for check result")
	}
}

func TestCheckDetectsCorruption(t *testing.T) {
	data := make([]byte, 64)
	pm, hashes := newTestPieceMap(t, data, 32)
	hashes[1][0] ^= 0xFF // corrupt the expected hash for piece 1

	info := &metainfo.Info{PieceLength: 32, Pieces: hashes, Length: int64(len(data))}
	var infoHash [20]byte

	c := New()
	defer c.Shutdown()

	resultC := make(chan Result, 1)
	c.Enqueue(&Job{InfoHash: infoHash, Pieces: pm, Info: info, ResultC: resultC})

	select {
	case res := <-resultC:
		require.NoError(t, res.Err)
		require.False(t, res.Bitfield.Get(1))
		require.True(t, res.Bitfield.Get(0))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for check result")
	}
}

func TestCancelStopsCheckAtNextBoundary(t *testing.T) {
	n := 40
	data := make([]byte, n*1024)
	pm, hashes := newTestPieceMap(t, data, 1024)

	info := &metainfo.Info{PieceLength: 1024, Pieces: hashes, Length: int64(len(data))}
	var infoHash [20]byte
	infoHash[0] = 7

	c := New()
	defer c.Shutdown()
	c.Cancel(infoHash) // cancel before it ever starts: must abort immediately

	resultC := make(chan Result, 1)
	c.Enqueue(&Job{InfoHash: infoHash, Pieces: pm, Info: info, ResultC: resultC})

	select {
	case res := <-resultC:
		require.ErrorIs(t, res.Err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation result")
	}
}
