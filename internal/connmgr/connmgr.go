// Package connmgr owns every peer TCP connection: dialing, accepting,
// handshaking, and the length-prefixed framing used once a session is
// established. It runs its own goroutine per connection (a reader and a
// writer loop) feeding a single Manager goroutine's event loop, the same
// structural shape the teacher uses for peerreader/peerwriter feeding a
// torrent's run loop.
package connmgr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/gorain/internal/logger"
	"github.com/cenkalti/gorain/internal/peerprotocol"
)

const (
	maxOutboxBuffer = 1 << 20 // 1 MiB, spec.md §3's output-buffer bound
)

// Config holds the connection manager's timing knobs, threaded through from
// engine.Config so a single YAML file governs both.
type Config struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	HandshakeTimeout  time.Duration
}

// DefaultConfig matches spec.md §4.5's "1 s tick" policy (120s keep-alive,
// ±10s grace) when a caller doesn't supply its own Config.
var DefaultConfig = Config{
	KeepAliveInterval: 120 * time.Second,
	KeepAliveTimeout:  130 * time.Second,
	HandshakeTimeout:  30 * time.Second,
}

// ID identifies a Connection within a Manager's tables.
type ID uint64

// Direction records whether a Connection was dialed or accepted.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// Stats is a per-connection speed snapshot, recomputed once per timer tick.
type Stats struct {
	ID                ID
	DownloadBytesPerS int64
	UploadBytesPerS   int64
	TotalDownloaded   int64
	TotalUploaded     int64
}

// Message is a post-handshake application message received on connection
// ID, delivered in order relative to other messages on the same ID.
type Message struct {
	ID  ID
	Msg peerprotocol.Message
}

// Established describes a connection that has completed the handshake
// exchange and been accepted by the consumer.
type Established struct {
	ID        ID
	PeerID    [20]byte
	InfoHash  [20]byte
	Direction Direction
	Addr      net.Addr
}

// IncomingHandshake is delivered for a freshly accepted connection once its
// 68-byte handshake has been parsed. The consumer must call Accept with the
// reply handshake (or nil to reject silently).
type IncomingHandshake struct {
	ID       ID
	PeerID   [20]byte
	InfoHash [20]byte
	Addr     net.Addr
	Accept   func(reply []byte) // nil reply closes the connection silently
}

// OutgoingHandshake is delivered for a dialed connection once its peer's
// 68-byte handshake has been parsed. The consumer decides whether to keep
// the session.
type OutgoingHandshake struct {
	ID       ID
	PeerID   [20]byte
	InfoHash [20]byte
	Accept   func(ok bool)
}

// Disconnect is delivered when a tracked connection closes: a failed dial, a
// rejected outgoing handshake, an I/O error or timeout, or a CloseConnection
// call. An incoming connection closed at handshake acceptance (rejected with
// a nil reply, or whose reply could not be written) produces none.
type Disconnect struct {
	ID     ID
	Reason string
}

// Manager owns the listening socket and every Connection's table entry. All
// mutation of those tables happens on a single goroutine (run); every other
// method only sends onto channels consumed there.
type Manager struct {
	log      logger.Logger
	listener net.Listener
	cfg      Config

	nextID uint64

	IncomingHandshakes chan IncomingHandshake
	OutgoingHandshakes chan OutgoingHandshake
	Established        chan Established
	Disconnects        chan Disconnect
	Messages           chan Message
	StatsTick          chan []Stats

	dialC           chan dialRequest
	sendC           chan sendRequest
	closeC          chan closeRequest
	acceptedC       chan *acceptedConn
	acceptOutgoingC chan acceptOutgoingRequest
	acceptIncomingC chan acceptIncomingRequest

	stopC chan struct{}
	doneC chan struct{}
}

type dialRequest struct {
	id        ID
	addr      string
	handshake []byte
	infoHash  [20]byte
}

type sendRequest struct {
	id  ID
	msg peerprotocol.Message
}

type closeRequest struct {
	id     ID
	reason string
}

type acceptedConn struct {
	conn net.Conn
}

type acceptOutgoingRequest struct {
	id ID
	ok bool
}

type acceptIncomingRequest struct {
	id    ID
	reply []byte // nil rejects silently
}

// New creates a Manager with DefaultConfig and starts listening on
// listenAddr (empty string picks an ephemeral port, matching net.Listen's
// own default).
func New(listenAddr string) (*Manager, error) {
	return NewWithConfig(listenAddr, DefaultConfig)
}

// NewWithConfig is New with an explicit Config, letting a caller's own
// YAML-loaded engine.Config govern keep-alive and handshake timing.
func NewWithConfig(listenAddr string, cfg Config) (*Manager, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		log:                logger.New("connmgr"),
		listener:           ln,
		cfg:                cfg,
		IncomingHandshakes: make(chan IncomingHandshake, 64),
		OutgoingHandshakes: make(chan OutgoingHandshake, 64),
		Established:        make(chan Established, 64),
		Disconnects:        make(chan Disconnect, 64),
		Messages:           make(chan Message, 256),
		StatsTick:          make(chan []Stats, 1),
		dialC:              make(chan dialRequest, 64),
		sendC:              make(chan sendRequest, 256),
		closeC:             make(chan closeRequest, 64),
		acceptedC:          make(chan *acceptedConn, 64),
		acceptOutgoingC:    make(chan acceptOutgoingRequest, 64),
		acceptIncomingC:    make(chan acceptIncomingRequest, 64),
		stopC:              make(chan struct{}),
		doneC:              make(chan struct{}),
	}
	go m.acceptLoop()
	go m.run()
	return m, nil
}

// Addr returns the manager's listening address.
func (m *Manager) Addr() net.Addr { return m.listener.Addr() }

// Dial asks the manager to open an outgoing connection and send handshake
// once connected. The returned ID is reserved immediately so the caller
// can track the attempt before any handshake, dial failure, or Established
// event arrives.
func (m *Manager) Dial(addr string, infoHash [20]byte, handshake []byte) ID {
	id := ID(atomic.AddUint64(&m.nextID, 1))
	select {
	case m.dialC <- dialRequest{id: id, addr: addr, handshake: handshake, infoHash: infoHash}:
	case <-m.stopC:
	}
	return id
}

// SendMessage enqueues msg for connection id; delivery order per connection
// is preserved.
func (m *Manager) SendMessage(id ID, msg peerprotocol.Message) {
	select {
	case m.sendC <- sendRequest{id: id, msg: msg}:
	case <-m.stopC:
	}
}

// CloseConnection closes connection id with the given reason, which is
// forwarded in the resulting Disconnect.
func (m *Manager) CloseConnection(id ID, reason string) {
	select {
	case m.closeC <- closeRequest{id: id, reason: reason}:
	case <-m.stopC:
	}
}

// Shutdown closes the listener and every open connection.
func (m *Manager) Shutdown() {
	close(m.stopC)
	m.listener.Close()
	<-m.doneC
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		select {
		case m.acceptedC <- &acceptedConn{conn: conn}:
		case <-m.stopC:
			conn.Close()
			return
		}
	}
}

type connEntry struct {
	conn           *Connection
	id             ID
	direction      Direction
	established    bool
	handshakeSent  bool
	lastRecv       time.Time
	lastSend       time.Time
	downloadedTick int64
	uploadedTick   int64
	totalDown      int64
	totalUp        int64

	pendingPeerID   [20]byte
	pendingInfoHash [20]byte
}

func (m *Manager) run() {
	defer close(m.doneC)
	conns := make(map[ID]*connEntry)
	events := make(chan connEvent, 256)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// closeEntry always reports a Disconnect, not only for sessions that
	// reached Established: the engine tracks dial/handshake attempts by ID
	// too (connmgr.Manager.Dial's returned ID) and needs to learn when one
	// fails, not just when an established session drops.
	closeEntry := func(e *connEntry, reason string) {
		delete(conns, e.id)
		e.conn.close()
		m.Disconnects <- Disconnect{ID: e.id, Reason: reason}
	}

	for {
		select {
		case <-m.stopC:
			for _, e := range conns {
				e.conn.close()
			}
			return

		case ac := <-m.acceptedC:
			id := ID(atomic.AddUint64(&m.nextID, 1))
			c := newConnection(id, ac.conn, Incoming, events, m.log)
			conns[id] = &connEntry{conn: c, id: id, direction: Incoming, lastRecv: time.Now(), lastSend: time.Now()}
			go c.run()

		case req := <-m.dialC:
			go m.dial(req.id, req, events, m.cfg.HandshakeTimeout)

		case req := <-m.sendC:
			if e, ok := conns[req.id]; ok {
				e.conn.send(req.msg)
			}

		case req := <-m.closeC:
			if e, ok := conns[req.id]; ok {
				closeEntry(e, req.reason)
			}

		case req := <-m.acceptOutgoingC:
			e, ok := conns[req.id]
			if !ok {
				continue
			}
			if req.ok {
				e.established = true
				e.conn.enableReadCallback()
				m.Established <- Established{ID: e.id, PeerID: e.pendingPeerID, InfoHash: e.pendingInfoHash, Direction: Outgoing, Addr: e.conn.conn.RemoteAddr()}
			} else {
				closeEntry(e, "handshake rejected")
			}

		case req := <-m.acceptIncomingC:
			e, ok := conns[req.id]
			if !ok {
				continue
			}
			if req.reply == nil {
				delete(conns, e.id)
				e.conn.close()
				continue
			}
			if err := e.conn.writeRaw(req.reply); err != nil {
				delete(conns, e.id)
				e.conn.close()
				continue
			}
			e.handshakeSent = true
			e.established = true
			e.conn.enableReadCallback()
			m.Established <- Established{ID: e.id, PeerID: e.pendingPeerID, InfoHash: e.pendingInfoHash, Direction: Incoming, Addr: e.conn.conn.RemoteAddr()}

		case ev := <-events:
			if ev.kind == evDialFailed {
				m.Disconnects <- Disconnect{ID: ev.id, Reason: "dial failed"}
				continue
			}
			e, ok := conns[ev.id]
			if !ok {
				if ev.conn != nil {
					conns[ev.id] = &connEntry{conn: ev.conn, id: ev.id, direction: ev.direction, lastRecv: time.Now(), lastSend: time.Now()}
					e = conns[ev.id]
				} else {
					continue
				}
			}
			m.handleEvent(e, ev, conns, closeEntry)

		case <-ticker.C:
			m.tick(conns, closeEntry)
		}
	}
}

func (m *Manager) dial(id ID, req dialRequest, events chan connEvent, handshakeTimeout time.Duration) {
	conn, err := net.DialTimeout("tcp", req.addr, handshakeTimeout)
	if err != nil {
		events <- connEvent{id: id, kind: evDialFailed, err: err}
		return
	}
	c := newConnection(id, conn, Outgoing, events, m.log)
	events <- connEvent{id: id, kind: evDialed, conn: c, direction: Outgoing}
	if _, err := conn.Write(req.handshake); err != nil {
		events <- connEvent{id: id, kind: evError, err: err}
		return
	}
	c.handshakeSentLocally = true
	c.run()
}

func (m *Manager) handleEvent(e *connEntry, ev connEvent, conns map[ID]*connEntry, closeEntry func(*connEntry, string)) {
	switch ev.kind {
	case evDialed:
		e.handshakeSent = true

	case evHandshake:
		e.lastRecv = time.Now()
		e.pendingPeerID = ev.handshake.PeerID
		e.pendingInfoHash = ev.handshake.InfoHash
		id := e.id
		if e.handshakeSent {
			m.OutgoingHandshakes <- OutgoingHandshake{
				ID: id, PeerID: ev.handshake.PeerID, InfoHash: ev.handshake.InfoHash,
				Accept: func(ok bool) {
					m.acceptOutgoingC <- acceptOutgoingRequest{id: id, ok: ok}
				},
			}
		} else {
			m.IncomingHandshakes <- IncomingHandshake{
				ID: id, PeerID: ev.handshake.PeerID, InfoHash: ev.handshake.InfoHash, Addr: e.conn.conn.RemoteAddr(),
				Accept: func(reply []byte) {
					m.acceptIncomingC <- acceptIncomingRequest{id: id, reply: reply}
				},
			}
		}

	case evMessage:
		e.lastRecv = time.Now()
		e.totalDown += int64(ev.n)
		e.downloadedTick += int64(ev.n)
		m.Messages <- Message{ID: e.id, Msg: ev.msg}

	case evKeepAlive:
		e.lastRecv = time.Now()

	case evSent:
		e.lastSend = time.Now()
		e.totalUp += int64(ev.n)
		e.uploadedTick += int64(ev.n)

	case evError, evClosed:
		closeEntry(e, "connection error")
	}
}

func (m *Manager) tick(conns map[ID]*connEntry, closeEntry func(*connEntry, string)) {
	now := time.Now()
	var stats []Stats
	for _, e := range conns {
		stats = append(stats, Stats{
			ID:                e.id,
			DownloadBytesPerS: e.downloadedTick,
			UploadBytesPerS:   e.uploadedTick,
			TotalDownloaded:   e.totalDown,
			TotalUploaded:     e.totalUp,
		})
		e.downloadedTick = 0
		e.uploadedTick = 0

		if e.established {
			grace := m.cfg.KeepAliveTimeout - m.cfg.KeepAliveInterval
			if now.Sub(e.lastRecv) > m.cfg.KeepAliveInterval+grace {
				closeEntry(e, "Peer timed out")
				continue
			}
			if now.Sub(e.lastSend) > m.cfg.KeepAliveInterval-grace {
				e.conn.send(peerprotocol.KeepAliveMessage{})
			}
		}
	}
	select {
	case m.StatsTick <- stats:
	default:
	}
}

// connEvent is how Connection goroutines report activity back to the
// single Manager goroutine that owns connEntry state.
type connEvent struct {
	id        ID
	kind      int
	conn      *Connection
	direction Direction
	handshake peerprotocol.Handshake
	msg       peerprotocol.Message
	n         int
	err       error
}

const (
	evDialFailed = iota
	evDialed
	evHandshake
	evMessage
	evKeepAlive
	evSent
	evError
	evClosed
)

// Connection wraps one peer socket: a reader goroutine doing the
// handshake-then-framed-message state machine and a writer goroutine
// draining an outbound queue, exactly the teacher's peerreader/peerwriter
// split generalized to live inside connmgr instead of a torrent-specific
// package.
type Connection struct {
	id     ID
	conn   net.Conn
	dir    Direction
	events chan connEvent
	log    logger.Logger

	handshakeSentLocally bool

	outbox     chan []byte
	closeOnce  sync.Once
	closeC     chan struct{}
	readEnable chan struct{}
}

func newConnection(id ID, conn net.Conn, dir Direction, events chan connEvent, log logger.Logger) *Connection {
	return &Connection{
		id:         id,
		conn:       conn,
		dir:        dir,
		events:     events,
		log:        log,
		outbox:     make(chan []byte, 256),
		closeC:     make(chan struct{}),
		readEnable: make(chan struct{}, 1),
	}
}

func (c *Connection) enableReadCallback() {
	select {
	case c.readEnable <- struct{}{}:
	default:
	}
}

func (c *Connection) writeRaw(b []byte) error {
	_, err := c.conn.Write(b)
	return err
}

func (c *Connection) send(msg peerprotocol.Message) {
	var buf bytes.Buffer
	if _, ok := msg.(peerprotocol.KeepAliveMessage); ok {
		binary.Write(&buf, binary.BigEndian, uint32(0))
	} else {
		payload := msg.Encode()
		binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
		buf.Write(payload)
	}
	if buf.Len() > maxOutboxBuffer {
		c.log.Warningln("outbox message too large, dropping")
		return
	}
	select {
	case c.outbox <- buf.Bytes():
	case <-c.closeC:
	default:
		c.log.Warningln("outbox full, dropping message")
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closeC)
		c.conn.Close()
	})
}

// run drives the reader and writer loops and blocks until both exit.
func (c *Connection) run() {
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		c.readLoop()
		close(readerDone)
	}()
	go func() {
		c.writeLoop()
		close(writerDone)
	}()

	select {
	case <-c.closeC:
	case <-readerDone:
	case <-writerDone:
	}
	c.close()
	<-readerDone
	<-writerDone
	c.events <- connEvent{id: c.id, kind: evClosed}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case b := <-c.outbox:
			if _, err := c.conn.Write(b); err != nil {
				return
			}
			c.events <- connEvent{id: c.id, kind: evSent, n: len(b)}
		case <-c.closeC:
			return
		}
	}
}

func (c *Connection) readLoop() {
	// Both directions read the remote side's 68-byte handshake first;
	// only the outgoing side has already written its own before this runs.
	hs := make([]byte, peerprotocol.HandshakeLen)
	if _, err := io.ReadFull(c.conn, hs); err != nil {
		c.events <- connEvent{id: c.id, kind: evError, err: err}
		return
	}
	h, err := peerprotocol.ParseHandshake(hs)
	if err != nil {
		c.events <- connEvent{id: c.id, kind: evError, err: err}
		return
	}
	c.events <- connEvent{id: c.id, kind: evHandshake, handshake: h}

	// Block here until Accept(...) re-enables reads via readEnable, so we
	// never parse application messages before the engine has decided
	// whether to keep the session (spec.md §4.5 step 3).
	select {
	case <-c.readEnable:
	case <-c.closeC:
		return
	}

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
			c.events <- connEvent{id: c.id, kind: evError, err: err}
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			c.events <- connEvent{id: c.id, kind: evKeepAlive}
			continue
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			c.events <- connEvent{id: c.id, kind: evError, err: err}
			return
		}
		msg, err := peerprotocol.Parse(payload)
		if err != nil {
			c.events <- connEvent{id: c.id, kind: evError, err: fmt.Errorf("connmgr: %w", err)}
			return
		}
		c.events <- connEvent{id: c.id, kind: evMessage, n: len(payload) + 4, msg: msg}
	}
}
