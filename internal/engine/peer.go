package engine

import (
	"net"
	"time"

	"github.com/cenkalti/gorain/internal/bitfield"
	"github.com/cenkalti/gorain/internal/connmgr"
)

// PeerStatus is a known remote endpoint's dial-ability.
type PeerStatus int

const (
	Available PeerStatus = iota
	InUse
	Errored
)

func (s PeerStatus) String() string {
	switch s {
	case Available:
		return "Available"
	case InUse:
		return "InUse"
	case Errored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// Peer is a known remote endpoint for a torrent; at most one in-flight
// connection exists per Peer at a time.
type Peer struct {
	Addr   net.Addr
	Status PeerStatus
	// torrent is the Torrent this Peer was discovered for. A dial made on
	// its behalf must only ever be accepted into this torrent, never into
	// some other torrent the Engine also happens to know about.
	torrent *Torrent
	// connID is set while a dial/handshake is outstanding or a session is
	// established for this peer, so closes can be matched back.
	connID connmgr.ID
}

func peerKey(addr net.Addr) string { return addr.String() }

// incomingPiece tracks the single piece a PeerSession has requested, from
// the first Request onward, and accumulates its blocks, per spec.md §4.8.5.
type incomingPiece struct {
	index  uint32
	offset uint32
	data   []byte
}

// PeerSession exists only while a handshake-completed TCP connection is
// open for a peer.
type PeerSession struct {
	peer     *Peer
	connID   connmgr.ID
	remoteID [20]byte

	peerIsChokingUs       bool
	peerIsInterestedInUs  bool
	weAreChokingPeer      bool
	weAreInterestedInPeer bool
	active                bool
	snubbed               bool
	requestSentAt         time.Time

	bitfield          *bitfield.Bitfield
	interestingPieces map[uint32]struct{}
	incoming          *incomingPiece

	downBytesPerS int64
	upBytesPerS   int64
	totalDown     int64
	totalUp       int64
}

func newPeerSession(peer *Peer, connID connmgr.ID, remoteID [20]byte, pieceCount uint32) *PeerSession {
	return &PeerSession{
		peer:              peer,
		connID:            connID,
		remoteID:          remoteID,
		peerIsChokingUs:   true,
		weAreChokingPeer:  true,
		bitfield:          bitfield.New(pieceCount),
		interestingPieces: make(map[uint32]struct{}),
	}
}
