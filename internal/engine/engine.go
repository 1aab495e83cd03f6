// Package engine is the central scheduler: it owns every Torrent, drives
// peer acquisition through the connection manager, and runs rarest-first
// piece scheduling against each peer session. All torrent state is
// mutated only from the single goroutine started by New.
package engine

import (
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/gorain/internal/announcer"
	"github.com/cenkalti/gorain/internal/bitfield"
	"github.com/cenkalti/gorain/internal/checker"
	"github.com/cenkalti/gorain/internal/connmgr"
	"github.com/cenkalti/gorain/internal/logger"
	"github.com/cenkalti/gorain/internal/metainfo"
	"github.com/cenkalti/gorain/internal/peerprotocol"
	"github.com/cenkalti/gorain/internal/piece"
	"github.com/cenkalti/gorain/internal/storage"
)

// Snapshot is a per-torrent view for any UI, per spec.md §6.
type Snapshot struct {
	InfoHash      [20]byte
	DisplayName   string
	Size          int64
	State         string
	Progress      float64
	CheckProgress float64
	DownloadSpeed float64
	UploadSpeed   float64
	SavePath      string
	Peers         []PeerSnapshot
}

// PeerSnapshot is a per-peer-session view for any UI, per spec.md §6.
type PeerSnapshot struct {
	PeerID       [20]byte
	Addr         string
	Progress     float64
	DownSpeed    float64
	UpSpeed      float64
	DownBytes    int64
	UpBytes      int64
	WeChokingIt  bool
	ItChokingUs  bool
	WeInterested bool
	ItInterested bool
	Connected    bool
}

// Engine is the BitTorrent swarm engine's central scheduler.
type Engine struct {
	config   Config
	log      logger.Logger
	peerID   [20]byte
	connMgr  *connmgr.Manager
	checker  *checker.Checker
	torrents map[[20]byte]*Torrent

	// sessionOwner resolves a connmgr.ID back to the Torrent it belongs to,
	// since Disconnect/Message events only carry the connection id.
	sessionOwner map[connmgr.ID][20]byte

	// pendingDials tracks an outgoing dial from the moment connmgr.Dial
	// returns its ID until either Established (session takes over via
	// Sessions/sessionOwner) or a rejection/failure resets the Peer.
	pendingDials map[connmgr.ID]*Peer

	addTorrentC   chan addTorrentReq
	startTorrentC chan startTorrentReq
	stopTorrentC  chan stopTorrentReq
	snapshotC     chan snapshotReq
	newPeersC     chan newPeersReq

	stopC chan struct{}
	doneC chan struct{}
}

type addTorrentReq struct {
	mi       *metainfo.MetaInfo
	dataRoot string
	result   chan error
}

type startTorrentReq struct {
	infoHash [20]byte
	result   chan error
}

type stopTorrentReq struct {
	infoHash [20]byte
	result   chan error
}

type snapshotReq struct {
	result chan []Snapshot
}

// newPeersReq carries addresses the Announcer discovered back onto Engine's
// own loop; the Announcer callback runs on a foreign goroutine so this must
// be posted, never applied directly.
type newPeersReq struct {
	infoHash [20]byte
	addrs    []*net.TCPAddr
}

// New creates an Engine, its own Connection Manager, and its own Checker,
// and starts the scheduler's goroutine.
func New(cfg Config) (*Engine, error) {
	var peerID [20]byte
	copy(peerID[:], "-GR0001-")
	if _, err := rand.Read(peerID[8:]); err != nil {
		return nil, err
	}

	cm, err := connmgr.NewWithConfig(fmt.Sprintf("0.0.0.0:%d", cfg.ListenPort), connmgr.Config{
		KeepAliveInterval: cfg.KeepAliveInterval,
		KeepAliveTimeout:  cfg.KeepAliveTimeout,
		HandshakeTimeout:  cfg.HandshakeTimeout,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:        cfg,
		log:           logger.New("engine"),
		peerID:        peerID,
		connMgr:       cm,
		checker:       checker.New(),
		torrents:      make(map[[20]byte]*Torrent),
		sessionOwner:  make(map[connmgr.ID][20]byte),
		pendingDials:  make(map[connmgr.ID]*Peer),
		addTorrentC:   make(chan addTorrentReq),
		startTorrentC: make(chan startTorrentReq),
		stopTorrentC:  make(chan stopTorrentReq),
		snapshotC:     make(chan snapshotReq),
		newPeersC:     make(chan newPeersReq, 64),
		stopC:         make(chan struct{}),
		doneC:         make(chan struct{}),
	}
	go e.run()
	return e, nil
}

// Shutdown stops the engine's goroutine and its owned Connection Manager
// and Checker.
func (e *Engine) Shutdown() {
	close(e.stopC)
	<-e.doneC
	e.connMgr.Shutdown()
	e.checker.Shutdown()
}

// AddTorrent constructs the Torrent record, per spec.md §4.8.1; it does
// not touch disk.
func (e *Engine) AddTorrent(mi *metainfo.MetaInfo, dataRoot string) error {
	result := make(chan error, 1)
	e.addTorrentC <- addTorrentReq{mi: mi, dataRoot: dataRoot, result: result}
	return <-result
}

// StartTorrent allocates files, builds the piece map, and begins peer
// acquisition, per spec.md §4.8.1.
func (e *Engine) StartTorrent(infoHash [20]byte) error {
	result := make(chan error, 1)
	e.startTorrentC <- startTorrentReq{infoHash: infoHash, result: result}
	return <-result
}

// StopTorrent tears a torrent's swarm state down, per spec.md §4.8.6.
func (e *Engine) StopTorrent(infoHash [20]byte) error {
	result := make(chan error, 1)
	e.stopTorrentC <- stopTorrentReq{infoHash: infoHash, result: result}
	return <-result
}

// Snapshots returns a view of every torrent, per spec.md §6.
func (e *Engine) Snapshots() []Snapshot {
	result := make(chan []Snapshot, 1)
	e.snapshotC <- snapshotReq{result: result}
	return <-result
}

func (e *Engine) run() {
	defer close(e.doneC)
	ticker := time.NewTicker(e.config.StatsTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopC:
			return

		case req := <-e.addTorrentC:
			req.result <- e.handleAddTorrent(req.mi, req.dataRoot)

		case req := <-e.startTorrentC:
			req.result <- e.handleStartTorrent(req.infoHash)

		case req := <-e.stopTorrentC:
			req.result <- e.handleStopTorrent(req.infoHash)

		case req := <-e.snapshotC:
			req.result <- e.handleSnapshots()

		case req := <-e.newPeersC:
			e.handleNewPeers(req.infoHash, req.addrs)

		case ih := <-e.connMgr.IncomingHandshakes:
			e.handleIncomingHandshake(ih)

		case oh := <-e.connMgr.OutgoingHandshakes:
			e.handleOutgoingHandshake(oh)

		case est := <-e.connMgr.Established:
			e.handleEstablished(est)

		case dc := <-e.connMgr.Disconnects:
			e.handleDisconnect(dc)

		case msg := <-e.connMgr.Messages:
			e.handleMessage(msg)

		case stats := <-e.connMgr.StatsTick:
			e.handleStatsTick(stats)

		case <-ticker.C:
			for _, t := range e.torrents {
				t.tickSpeeds()
			}
			e.checkSnubs()
		}
	}
}

func (e *Engine) handleAddTorrent(mi *metainfo.MetaInfo, dataRoot string) error {
	if _, exists := e.torrents[mi.InfoHash]; exists {
		return fmt.Errorf("engine: torrent %x already added", mi.InfoHash)
	}
	t := newTorrent(mi, dataRoot, e.peerID)
	e.torrents[mi.InfoHash] = t
	return nil
}

func (e *Engine) handleStartTorrent(infoHash [20]byte) error {
	t, ok := e.torrents[infoHash]
	if !ok {
		return fmt.Errorf("engine: unknown torrent %x", infoHash)
	}
	if t.State == StateStarted || t.State == StateSeeding {
		return nil
	}

	if err := storage.EnsureFiles(t.localFile); err != nil {
		t.State = StateError
		t.err = err
		return err
	}
	fm, err := storage.NewFileMap(t.localFile)
	if err != nil {
		t.State = StateError
		t.err = err
		return err
	}
	t.pieceMap = storage.NewPieceMap(fm, t.NominalPieceLength)

	t.MissingPieces = make(map[uint32]*piece.Status[*PeerSession])
	t.PieceHeap = piece.NewHeap[*PeerSession]()
	for i := uint32(0); i < t.PieceCount; i++ {
		if !t.LocalBitfield.Get(i) {
			st := piece.NewStatus[*PeerSession](i)
			t.MissingPieces[i] = st
			t.PieceHeap.Insert(st)
		}
	}
	if t.progressComplete() {
		t.State = StateSeeding
	} else {
		t.State = StateStarted
	}

	t.announcer = announcer.New(t.InfoHash, t.LocalPeerID, t.AnnounceURLs, e.config.ListenPort, t.TrackerSessionKey,
		t.announceStats,
		func(addrs []*net.TCPAddr) {
			// Runs on the Announcer's own goroutine; post onto Engine's
			// loop rather than touching t.Peers here.
			select {
			case e.newPeersC <- newPeersReq{infoHash: infoHash, addrs: addrs}:
			case <-e.stopC:
			}
		},
	)

	e.connectMorePeers(t)
	return nil
}

// handleNewPeers registers addresses the Announcer discovered and tries to
// fill any open connection slots with them, per spec.md §4.8.1 step 4-5.
func (e *Engine) handleNewPeers(infoHash [20]byte, addrs []*net.TCPAddr) {
	t, ok := e.torrents[infoHash]
	if !ok {
		return
	}
	for _, addr := range addrs {
		t.addKnownAddr(addr)
	}
	e.connectMorePeers(t)
}

func (e *Engine) handleStopTorrent(infoHash [20]byte) error {
	t, ok := e.torrents[infoHash]
	if !ok {
		return fmt.Errorf("engine: unknown torrent %x", infoHash)
	}
	if t.announcer != nil {
		t.announcer.Stopped()
		t.announcer = nil
	}
	t.State = StateStopped
	t.PieceHeap = nil
	t.MissingPieces = nil
	for connID := range t.Sessions {
		e.connMgr.CloseConnection(connID, "Stopping torrent")
	}
	if t.pieceMap != nil {
		t.pieceMap.Close()
		t.pieceMap = nil
	}
	return nil
}

// handleStatsTick folds the connection manager's per-second speed snapshot
// into each owning PeerSession, so Snapshots() can report live per-peer
// transfer rates. Per spec.md §9's resolution of the torrent-level
// download_speed/upload_speed open question, the torrent's own EWMA is fed
// the sum of its sessions' per-tick bytes rather than left unwired.
func (e *Engine) handleStatsTick(stats []connmgr.Stats) {
	torrentDown := make(map[[20]byte]int64)
	torrentUp := make(map[[20]byte]int64)
	for _, st := range stats {
		infoHash, ok := e.sessionOwner[st.ID]
		if !ok {
			continue
		}
		t, ok := e.torrents[infoHash]
		if !ok {
			continue
		}
		ps, ok := t.Sessions[st.ID]
		if !ok {
			continue
		}
		ps.downBytesPerS = st.DownloadBytesPerS
		ps.upBytesPerS = st.UploadBytesPerS
		ps.totalDown = st.TotalDownloaded
		ps.totalUp = st.TotalUploaded
		torrentDown[infoHash] += st.DownloadBytesPerS
		torrentUp[infoHash] += st.UploadBytesPerS
	}
	for infoHash, n := range torrentDown {
		if t, ok := e.torrents[infoHash]; ok {
			t.downloadSpeed.Update(n)
		}
	}
	for infoHash, n := range torrentUp {
		if t, ok := e.torrents[infoHash]; ok {
			t.uploadSpeed.Update(n)
		}
	}
}

func (e *Engine) handleSnapshots() []Snapshot {
	var out []Snapshot
	for _, t := range e.torrents {
		s := Snapshot{
			InfoHash:      t.InfoHash,
			DisplayName:   t.DisplayName,
			Size:          t.TotalLength,
			State:         t.State.String(),
			Progress:      float64(t.LocalBitfield.Ones()) / float64(t.PieceCount) * 100,
			DownloadSpeed: t.downloadSpeed.Rate(),
			UploadSpeed:   t.uploadSpeed.Rate(),
			SavePath:      t.DataPath,
		}
		for _, ps := range t.Sessions {
			s.Peers = append(s.Peers, PeerSnapshot{
				PeerID:       ps.remoteID,
				Addr:         ps.peer.Addr.String(),
				Progress:     ps.bitfield.Progress(),
				DownSpeed:    float64(ps.downBytesPerS),
				UpSpeed:      float64(ps.upBytesPerS),
				DownBytes:    ps.totalDown,
				UpBytes:      ps.totalUp,
				WeChokingIt:  ps.weAreChokingPeer,
				ItChokingUs:  ps.peerIsChokingUs,
				WeInterested: ps.weAreInterestedInPeer,
				ItInterested: ps.peerIsInterestedInUs,
				Connected:    true,
			})
		}
		out = append(out, s)
	}
	return out
}

// availableSlotsForTorrent implements spec.md §4.8.2.
func (e *Engine) availableSlotsForTorrent(t *Torrent) int {
	activeTotal, activePerTorrent := 0, 0
	for _, tt := range e.torrents {
		n := len(tt.Sessions)
		activeTotal += n
		if tt == t {
			activePerTorrent = n
		}
	}
	for _, p := range e.pendingDials {
		activeTotal++
		if p.torrent == t {
			activePerTorrent++
		}
	}
	perTorrent := e.config.MaxConnectionsPerTorrent - activePerTorrent
	total := e.config.MaxTotalConnections - activeTotal
	if perTorrent < total {
		return perTorrent
	}
	return total
}

// connectMorePeers implements spec.md §4.8.2.
func (e *Engine) connectMorePeers(t *Torrent) {
	avail := e.availableSlotsForTorrent(t)
	if avail <= 0 {
		return
	}
	hs := peerprotocol.Handshake{InfoHash: t.InfoHash, PeerID: t.LocalPeerID}.Marshal()
	for _, p := range t.Peers {
		if avail <= 0 {
			return
		}
		if p.Status != Available {
			continue
		}
		p.Status = InUse
		id := e.connMgr.Dial(p.Addr.String(), t.InfoHash, hs)
		p.connID = id
		e.pendingDials[id] = p
		avail--
	}
}

// handleOutgoingHandshake implements spec.md §4.8.3's outgoing case: accept
// iff the responder's info hash matches the specific torrent this dial was
// made for — not merely some torrent the Engine happens to know about — and
// its peer id isn't our own (spec.md §8 scenario 5, self-connection
// refusal). Checking engine-wide torrent membership instead of the dialed
// peer's own torrent would let a dial made for torrent A silently attach to
// torrent B whenever B's info hash is also known, which is exactly the §7
// kind-6 "wrong info hash after dial" misbehavior the spec calls out.
// Rejection here returns the dialed Peer to Errored immediately and drops
// its pendingDials entry, so the Disconnect connmgr then reports for the
// closed connection finds nothing left to reset.
func (e *Engine) handleOutgoingHandshake(oh connmgr.OutgoingHandshake) {
	p, pending := e.pendingDials[oh.ID]
	delete(e.pendingDials, oh.ID)

	ok := pending && p.torrent != nil && p.torrent.InfoHash == oh.InfoHash && oh.PeerID != e.peerID
	if !ok && pending {
		p.Status = Errored
	}
	oh.Accept(ok)
}

func (e *Engine) handleIncomingHandshake(ih connmgr.IncomingHandshake) {
	t, ok := e.torrents[ih.InfoHash]
	if !ok || (t.State != StateStarted && t.State != StateSeeding) || ih.PeerID == e.peerID || e.availableSlotsForTorrent(t) <= 0 {
		ih.Accept(nil)
		return
	}
	p := t.addKnownAddr(ih.Addr)
	p.Status = InUse
	reply := peerprotocol.Handshake{InfoHash: t.InfoHash, PeerID: t.LocalPeerID}.Marshal()
	ih.Accept(reply)
}

func (e *Engine) handleEstablished(est connmgr.Established) {
	t, ok := e.torrents[est.InfoHash]
	if !ok || (t.State != StateStarted && t.State != StateSeeding) {
		e.connMgr.CloseConnection(est.ID, "Connection established after torrent stopped")
		return
	}
	p := t.addKnownAddr(est.Addr)
	p.Status = InUse
	p.connID = est.ID

	ps := newPeerSession(p, est.ID, est.PeerID, t.PieceCount)
	t.Sessions[est.ID] = ps
	e.sessionOwner[est.ID] = t.InfoHash

	e.connMgr.SendMessage(est.ID, peerprotocol.BitfieldMessage{Data: t.LocalBitfield.Bytes()})
}

// handleDisconnect implements the peer bookkeeping half of spec.md §4.8.6's
// close-reason contract (peer re-probation) plus general session teardown:
// any piece this session was downloading goes back in the heap, any haver
// entries it held are dropped, and the scheduler is re-run since a slot or
// a haver just disappeared.
func (e *Engine) handleDisconnect(dc connmgr.Disconnect) {
	infoHash, ok := e.sessionOwner[dc.ID]
	if !ok {
		// Not a session: either a dial that failed before any handshake, or
		// a handshake connection that errored out before Established. Both
		// only ever reach here through pendingDials (handshake rejections
		// are resolved synchronously in handleOutgoingHandshake already).
		if p, pending := e.pendingDials[dc.ID]; pending {
			delete(e.pendingDials, dc.ID)
			p.Status = Errored
		}
		return
	}
	delete(e.sessionOwner, dc.ID)
	t, ok := e.torrents[infoHash]
	if !ok {
		return
	}
	ps, ok := t.Sessions[dc.ID]
	if !ok {
		return
	}
	delete(t.Sessions, dc.ID)

	if ps.incoming != nil && t.MissingPieces != nil {
		if st, ok := t.MissingPieces[ps.incoming.index]; ok {
			st.CurrentlyDownloading = false
			if !st.InHeap() {
				t.PieceHeap.Insert(st)
			}
		}
	}
	if t.MissingPieces != nil {
		for idx := range ps.interestingPieces {
			if st, ok := t.MissingPieces[idx]; ok {
				delete(st.Havers, ps)
			}
		}
	}

	if ps.peer != nil {
		if dc.Reason == "Stopping torrent" {
			ps.peer.Status = Available
		} else {
			ps.peer.Status = Errored
		}
	}

	if t.State == StateStarted || t.State == StateSeeding {
		e.pieceOrPeerAvailabilityUpdated(t)
		e.connectMorePeers(t)
	}
}

// handleMessage implements spec.md §4.8.5's peer-session state machine.
func (e *Engine) handleMessage(m connmgr.Message) {
	infoHash, ok := e.sessionOwner[m.ID]
	if !ok {
		return
	}
	t, ok := e.torrents[infoHash]
	if !ok {
		return
	}
	ps, ok := t.Sessions[m.ID]
	if !ok {
		return
	}

	switch msg := m.Msg.(type) {
	case peerprotocol.ChokeMessage:
		ps.peerIsChokingUs = true
		if ps.incoming != nil {
			e.abandonPiece(t, ps)
		}
		e.pieceOrPeerAvailabilityUpdated(t)

	case peerprotocol.UnchokeMessage:
		ps.peerIsChokingUs = false
		ps.snubbed = false
		e.pieceOrPeerAvailabilityUpdated(t)

	case peerprotocol.InterestedMessage:
		ps.peerIsInterestedInUs = true
		ps.weAreChokingPeer = false
		e.connMgr.SendMessage(m.ID, peerprotocol.UnchokeMessage{})

	case peerprotocol.NotInterestedMessage:
		ps.peerIsInterestedInUs = false

	case peerprotocol.HaveMessage:
		e.handleHave(t, ps, msg.Index)

	case peerprotocol.BitfieldMessage:
		e.handleBitfield(t, ps, msg.Data)

	case peerprotocol.RequestMessage:
		e.handleRequest(t, ps, msg)

	case peerprotocol.PieceMessage:
		e.handlePiece(t, ps, msg)

	case peerprotocol.CancelMessage:
		// Not implemented, per spec.md §4.8.5: logged and ignored.
		e.log.Debugln("ignoring cancel from", ps.remoteID)

	case peerprotocol.KeepAliveMessage:
		// Framing-level only; no session state to update.
	}
}

func (e *Engine) handleHave(t *Torrent, ps *PeerSession, index uint32) {
	if index >= ps.bitfield.Len() {
		e.connMgr.CloseConnection(ps.connID, "Invalid have index")
		return
	}
	ps.bitfield.Set(index, true)
	if !t.LocalBitfield.Get(index) {
		if st, ok := t.MissingPieces[index]; ok {
			st.Havers[ps] = struct{}{}
			if st.InHeap() {
				t.PieceHeap.Update(st)
			}
			ps.interestingPieces[index] = struct{}{}
			if !ps.weAreInterestedInPeer {
				e.connMgr.SendMessage(ps.connID, peerprotocol.UnchokeMessage{})
				e.connMgr.SendMessage(ps.connID, peerprotocol.InterestedMessage{})
				ps.weAreInterestedInPeer = true
			}
		}
		e.pieceOrPeerAvailabilityUpdated(t)
	}
	if t.LocalBitfield.All() && ps.bitfield.All() {
		e.connMgr.CloseConnection(ps.connID, "Peer and us have all pieces, disconnecting")
	}
}

func (e *Engine) handleBitfield(t *Torrent, ps *PeerSession, data []byte) {
	bf, err := bitfield.NewBytes(data, t.PieceCount)
	if err != nil {
		e.connMgr.CloseConnection(ps.connID, "Invalid bitfield length")
		return
	}
	ps.bitfield = bf

	for idx, st := range t.MissingPieces {
		if bf.Get(idx) {
			st.Havers[ps] = struct{}{}
			if st.InHeap() {
				t.PieceHeap.Update(st)
			}
			ps.interestingPieces[idx] = struct{}{}
		}
	}

	if len(ps.interestingPieces) > 0 {
		e.connMgr.SendMessage(ps.connID, peerprotocol.UnchokeMessage{})
		e.connMgr.SendMessage(ps.connID, peerprotocol.InterestedMessage{})
		ps.weAreInterestedInPeer = true
		e.pieceOrPeerAvailabilityUpdated(t)
		return
	}

	for _, p := range t.Peers {
		if p != ps.peer && p.Status == Available {
			e.connMgr.CloseConnection(ps.connID, "Peer has no interesting pieces, disconnecting")
			return
		}
	}
}

func (e *Engine) handleRequest(t *Torrent, ps *PeerSession, msg peerprotocol.RequestMessage) {
	pieceLen := t.pieceMap.PieceLength(msg.Index)
	if msg.Length == 0 || int64(msg.Begin)+int64(msg.Length) > pieceLen {
		e.connMgr.CloseConnection(ps.connID, "Invalid request")
		return
	}
	buf := make([]byte, pieceLen)
	if err := t.pieceMap.ReadPiece(msg.Index, buf); err != nil {
		e.connMgr.CloseConnection(ps.connID, "Piece read error")
		return
	}
	block := buf[msg.Begin : msg.Begin+msg.Length]
	e.connMgr.SendMessage(ps.connID, peerprotocol.PieceMessage{Index: msg.Index, Begin: msg.Begin, Block: block})
	t.uploadedTotal += int64(len(block))
}

func (e *Engine) handlePiece(t *Torrent, ps *PeerSession, msg peerprotocol.PieceMessage) {
	if ps.incoming == nil {
		if msg.Begin != 0 {
			return
		}
		ps.incoming = &incomingPiece{index: msg.Index}
	}
	if msg.Index != ps.incoming.index || msg.Begin != ps.incoming.offset {
		return
	}
	ps.incoming.data = append(ps.incoming.data, msg.Block...)
	ps.incoming.offset += uint32(len(msg.Block))
	t.downloadedTotal += int64(len(msg.Block))

	pieceLen := t.pieceMap.PieceLength(ps.incoming.index)
	if int64(ps.incoming.offset) < pieceLen {
		remaining := pieceLen - int64(ps.incoming.offset)
		length := int64(BlockLength)
		if length > remaining {
			length = remaining
		}
		e.connMgr.SendMessage(ps.connID, peerprotocol.RequestMessage{Index: ps.incoming.index, Begin: ps.incoming.offset, Length: uint32(length)})
		return
	}

	index, data := ps.incoming.index, ps.incoming.data
	ps.incoming = nil
	ps.active = false
	ps.snubbed = false
	e.pieceDownloaded(t, index, data)
}

// abandonPiece implements spec.md §4.8.5's mid-piece choke rule: discard the
// accumulator, reinsert the piece, clear session.active, and re-run the
// scheduler (done by the caller).
func (e *Engine) abandonPiece(t *Torrent, ps *PeerSession) {
	index := ps.incoming.index
	ps.incoming = nil
	ps.active = false
	if st, ok := t.MissingPieces[index]; ok {
		st.CurrentlyDownloading = false
		if !st.InHeap() {
			t.PieceHeap.Insert(st)
		}
	}
}

// pieceDownloaded implements spec.md §4.8.5's piece_downloaded steps 1-7.
func (e *Engine) pieceDownloaded(t *Torrent, index uint32, data []byte) {
	if err := t.pieceMap.WritePiece(index, data); err != nil {
		e.log.Errorln("piece write failed:", err)
		return
	}
	t.LocalBitfield.Set(index, true)

	st, ok := t.MissingPieces[index]
	if ok {
		for haver := range st.Havers {
			delete(haver.interestingPieces, index)
			if len(haver.interestingPieces) == 0 && haver.weAreInterestedInPeer {
				e.connMgr.SendMessage(haver.connID, peerprotocol.NotInterestedMessage{})
				haver.weAreInterestedInPeer = false
			}
		}
		delete(t.MissingPieces, index)
		if st.InHeap() {
			t.PieceHeap.Remove(st)
		}
	}

	for id := range t.Sessions {
		e.connMgr.SendMessage(id, peerprotocol.HaveMessage{Index: index})
	}

	if t.progressComplete() {
		t.State = StateSeeding
		if t.announcer != nil {
			t.announcer.Completed()
		}
		for id, s := range t.Sessions {
			if s.bitfield.All() {
				e.connMgr.CloseConnection(id, "Peer and us have all pieces, disconnecting")
			}
		}
		return
	}
	e.pieceOrPeerAvailabilityUpdated(t)
}

// pieceOrPeerAvailabilityUpdated implements spec.md §4.8.5's rarest-first
// scheduling pass, bounded to the torrent's current count of inactive
// sessions so a single call can't loop indefinitely.
func (e *Engine) pieceOrPeerAvailabilityUpdated(t *Torrent) {
	if t.PieceHeap == nil {
		return
	}
	inactive := 0
	for _, ps := range t.Sessions {
		if !ps.active {
			inactive++
		}
	}
	for i := 0; i < inactive; i++ {
		st := t.PieceHeap.PopMin()
		if st == nil {
			return
		}
		var haver *PeerSession
		for h := range st.Havers {
			if !h.peerIsChokingUs && !h.active && !h.snubbed {
				haver = h
				break
			}
		}
		if haver == nil {
			t.PieceHeap.Insert(st)
			return
		}
		haver.active = true
		haver.incoming = &incomingPiece{index: st.Index}
		st.CurrentlyDownloading = true
		haver.requestSentAt = time.Now()

		length := int64(BlockLength)
		if pl := t.pieceMap.PieceLength(st.Index); length > pl {
			length = pl
		}
		e.connMgr.SendMessage(haver.connID, peerprotocol.RequestMessage{Index: st.Index, Begin: 0, Length: uint32(length)})
	}
}

// checkSnubs implements the §4.8.7 supplemental peer-snubbing feature: a
// session whose outstanding request has gone unanswered past
// PeerSnubTimeout is excluded from haver selection until it unchokes fresh
// or completes a piece.
func (e *Engine) checkSnubs() {
	now := time.Now()
	for _, t := range e.torrents {
		for _, ps := range t.Sessions {
			if ps.active && !ps.snubbed && !ps.requestSentAt.IsZero() && now.Sub(ps.requestSentAt) > e.config.PeerSnubTimeout {
				ps.snubbed = true
			}
		}
	}
}
