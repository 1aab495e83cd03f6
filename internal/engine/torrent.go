package engine

import (
	"math/rand"
	"net"
	"path/filepath"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/cenkalti/gorain/internal/announcer"
	"github.com/cenkalti/gorain/internal/bitfield"
	"github.com/cenkalti/gorain/internal/connmgr"
	"github.com/cenkalti/gorain/internal/metainfo"
	"github.com/cenkalti/gorain/internal/piece"
	"github.com/cenkalti/gorain/internal/storage"
)

// State is a torrent's lifecycle stage.
type State int

const (
	StateError State = iota
	StateStopped
	StateStarted
	StateSeeding
)

func (s State) String() string {
	switch s {
	case StateError:
		return "Error"
	case StateStopped:
		return "Stopped"
	case StateStarted:
		return "Started"
	case StateSeeding:
		return "Seeding"
	default:
		return "Unknown"
	}
}

// BlockLength is the fixed request block size, per spec.md §4.8.5.
const BlockLength = 16 * 1024

// Torrent is Engine's shared, reference-counted record for one download.
// Only Engine's own goroutine ever mutates it.
type Torrent struct {
	DisplayName        string
	DataPath           string
	InfoHash           [20]byte
	LocalPeerID        [20]byte
	PieceCount         uint32
	NominalPieceLength int64
	TotalLength        int64
	AnnounceURLs       [][]string
	TrackerSessionKey  uint64

	State         State
	LocalBitfield *bitfield.Bitfield
	Peers         map[string]*Peer // address string -> Peer
	Sessions      map[connmgr.ID]*PeerSession
	MissingPieces map[uint32]*piece.Status[*PeerSession]
	PieceHeap     *piece.Heap[*PeerSession]

	Info      *metainfo.Info
	localFile []storage.LocalFile
	pieceMap  *storage.PieceMap

	announcer *announcer.Announcer

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	downloadedTotal int64
	uploadedTotal   int64

	err error
}

func newTorrent(mi *metainfo.MetaInfo, dataRoot string, localPeerID [20]byte) *Torrent {
	var files []storage.LocalFile
	root, multi := mi.Info.RootDirName()
	for _, f := range mi.Info.FlatFiles() {
		localPath := f.Path
		if multi {
			localPath = filepath.Join(root, f.Path)
		}
		files = append(files, storage.LocalFile{
			TorrentPath: f.Path,
			LocalPath:   filepath.Join(dataRoot, localPath),
			Length:      f.Length,
		})
	}
	pieceCount := uint32(len(mi.Info.Pieces))
	return &Torrent{
		DisplayName:        mi.Info.Name,
		DataPath:           dataRoot,
		InfoHash:           mi.InfoHash,
		LocalPeerID:        localPeerID,
		PieceCount:         pieceCount,
		NominalPieceLength: mi.Info.PieceLength,
		TotalLength:        mi.Info.TotalLength(),
		AnnounceURLs:       mi.GetTrackers(),
		TrackerSessionKey:  rand.Uint64(),
		State:              StateStopped,
		LocalBitfield:      bitfield.New(pieceCount),
		Peers:              make(map[string]*Peer),
		Sessions:           make(map[connmgr.ID]*PeerSession),
		Info:               mi.Info,
		localFile:          files,
		downloadSpeed:      metrics.NewEWMA1(),
		uploadSpeed:        metrics.NewEWMA1(),
	}
}

func (t *Torrent) addKnownAddr(addr net.Addr) *Peer {
	key := peerKey(addr)
	if p, ok := t.Peers[key]; ok {
		return p
	}
	p := &Peer{Addr: addr, Status: Available, torrent: t}
	t.Peers[key] = p
	return p
}

// tickSpeeds ages the EWMA speed trackers; called on every tick of Engine's
// periodic timer (Config.StatsTickInterval), mirroring the teacher's
// downloadSpeed.Tick()/uploadSpeed.Tick() calls in its run loop.
func (t *Torrent) tickSpeeds() {
	t.downloadSpeed.Tick()
	t.uploadSpeed.Tick()
}

// announceStats computes the live AnnounceStats per spec.md §4.8.1.
// Unlike the distilled spec's observed 0/0 placeholder, uploaded/downloaded
// are tracked for real (§9 open question, resolved in DESIGN.md): the
// counters accumulate actual Piece message bytes sent/received.
func (t *Torrent) announceStats() announcer.Stats {
	remaining := t.PieceCount - t.LocalBitfield.Ones()
	return announcer.Stats{
		Uploaded:   t.uploadedTotal,
		Downloaded: t.downloadedTotal,
		Left:       int64(remaining) * t.NominalPieceLength,
	}
}

func (t *Torrent) progressComplete() bool {
	return t.LocalBitfield.Ones() == t.PieceCount
}
