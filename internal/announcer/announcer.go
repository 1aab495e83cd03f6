// Package announcer implements periodic HTTP tracker announces: building
// the GET request, parsing the bencoded response, and feeding fresh peer
// addresses back to the engine.
package announcer

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cenkalti/gorain/bencode"
	"github.com/cenkalti/gorain/internal/logger"
)

// Event is the tracker "event" query parameter.
type Event string

const (
	EventNone      Event = "none"
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// Stats are read at announce-send time from a caller-supplied getter.
type Stats struct {
	Uploaded, Downloaded, Left int64
}

// StatsFunc supplies live AnnounceStats at announce time.
type StatsFunc func() Stats

// PeersFunc is invoked with the peer addresses from a successful announce.
// It is always invoked on the Announcer's own goroutine, mirroring
// spec.md §5's "posting a deferred task" — callers must hop back onto
// their own loop inside this callback rather than mutate shared state here.
type PeersFunc func([]*net.TCPAddr)

// defaultInterval is used before the first successful announce response is
// received.
const defaultInterval = 30 * time.Second

// Announcer periodically announces a single torrent's progress to its
// tiered tracker list and reports peer addresses it discovers.
type Announcer struct {
	infoHash   [20]byte
	peerID     [20]byte
	port       int
	sessionKey uint64
	urls       []string // flattened tiers, round-robin per spec.md §4.6
	urlIdx     int

	getStats StatsFunc
	onPeers  PeersFunc

	httpClient *http.Client
	log        logger.Logger

	stopC chan struct{}
	doneC chan struct{}
}

// New creates and starts an Announcer; the Started event is sent
// immediately, per spec.md §4.6.
func New(infoHash, peerID [20]byte, tiers [][]string, port int, sessionKey uint64, getStats StatsFunc, onPeers PeersFunc) *Announcer {
	var flat []string
	for _, tier := range tiers {
		flat = append(flat, tier...)
	}
	a := &Announcer{
		infoHash:   infoHash,
		peerID:     peerID,
		port:       port,
		sessionKey: sessionKey,
		urls:       flat,
		getStats:   getStats,
		onPeers:    onPeers,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.New("announcer"),
		stopC:      make(chan struct{}),
		doneC:      make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Announcer) run() {
	defer close(a.doneC)
	interval := a.announce(EventStarted)
	for {
		select {
		case <-time.After(interval):
			interval = a.announce(EventNone)
		case <-a.stopC:
			a.announce(EventStopped)
			return
		}
	}
}

// Completed notifies the tracker of 100% progress with an announce sent at
// once on its own goroutine, separate from the periodic cycle; callers
// invoke it once, on reaching completion.
func (a *Announcer) Completed() {
	go a.announce(EventCompleted)
}

// Stopped tears down the announcer: it sends the Stopped event and, per
// spec.md §4.6, schedules no further timer.
func (a *Announcer) Stopped() {
	close(a.stopC)
	<-a.doneC
}

// announce performs one announce attempt (with a short retry/backoff
// across tracker errors before advancing to the next tier URL) and returns
// the interval to wait before the next one.
func (a *Announcer) announce(event Event) time.Duration {
	if len(a.urls) == 0 {
		return defaultInterval
	}
	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = 10 * time.Second
	boff.InitialInterval = 500 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < len(a.urls); attempt++ {
		u := a.urls[a.urlIdx]
		a.urlIdx = (a.urlIdx + 1) % len(a.urls)
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			// Non-HTTP(S) URL: advance immediately, without retrying.
			lastErr = fmt.Errorf("announcer: unsupported tracker scheme: %s", u)
			a.log.Warningln("announce failed, advancing to next tracker url:", lastErr)
			continue
		}
		boff.Reset()

		var resp *announceResponse
		err := backoff.Retry(func() error {
			var opErr error
			resp, opErr = a.announceOnce(u, event)
			return opErr
		}, boff)
		if err != nil {
			lastErr = err
			a.log.Warningln("announce failed, advancing to next tracker url:", err)
			continue
		}
		if resp.failureReason != "" {
			// §9: observed behavior logs and stops scheduling further
			// announces without transitioning the torrent; do not "fix"
			// this into a retry loop or a torrent-level error.
			a.log.Errorln("tracker failure reason:", resp.failureReason)
			<-a.stopC // block forever; only Stopped() can release us
			return defaultInterval
		}
		if a.onPeers != nil {
			a.onPeers(resp.peers)
		}
		if resp.interval > 0 {
			return resp.interval
		}
		return defaultInterval
	}
	a.log.Errorln("all tracker urls failed:", lastErr)
	return defaultInterval
}

type announceResponse struct {
	failureReason string
	interval      time.Duration
	peers         []*net.TCPAddr
}

func (a *Announcer) announceOnce(trackerURL string, event Event) (*announceResponse, error) {
	req, err := a.buildRequest(trackerURL, event)
	if err != nil {
		// Non-HTTP(S) URL: advance immediately, per spec.md §4.6.
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("announcer: tracker returned status %d", resp.StatusCode)
	}
	v, err := bencode.NewDecoder(resp.Body).Decode()
	if err != nil {
		return nil, err
	}
	dict, ok := v.(*bencode.Dict)
	if !ok {
		return nil, fmt.Errorf("announcer: response is not a dict")
	}
	return parseResponse(dict)
}

func (a *Announcer) buildRequest(trackerURL string, event Event) (*http.Request, error) {
	isHTTP := len(trackerURL) >= 7 && trackerURL[:7] == "http://"
	isHTTPS := len(trackerURL) >= 8 && trackerURL[:8] == "https://"
	if !isHTTP && !isHTTPS {
		return nil, fmt.Errorf("announcer: unsupported tracker scheme: %s", trackerURL)
	}
	stats := Stats{}
	if a.getStats != nil {
		stats = a.getStats()
	}
	q := "info_hash=" + percentEncode(a.infoHash[:]) +
		"&peer_id=" + percentEncode(a.peerID[:]) +
		"&port=" + strconv.Itoa(a.port) +
		"&uploaded=" + strconv.FormatInt(stats.Uploaded, 10) +
		"&downloaded=" + strconv.FormatInt(stats.Downloaded, 10) +
		"&left=" + strconv.FormatInt(stats.Left, 10) +
		"&key=" + strconv.FormatUint(a.sessionKey, 10) +
		"&compact=1"
	if event != EventNone {
		q += "&event=" + string(event)
	}
	sep := "?"
	if containsQuery(trackerURL) {
		sep = "&"
	}
	return http.NewRequest(http.MethodGet, trackerURL+sep+q, nil)
}

func containsQuery(u string) bool {
	for _, c := range u {
		if c == '?' {
			return true
		}
	}
	return false
}

// percentEncode escapes every byte of b as %XX except RFC 3986 unreserved
// characters, matching what trackers expect for binary info_hash/peer_id
// query values (net/url's escaper is too lenient for raw binary strings).
func percentEncode(b []byte) string {
	const hexDigits = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		if isUnreserved(c) {
			out = append(out, c)
			continue
		}
		out = append(out, '%', hexDigits[c>>4], hexDigits[c&0xf])
	}
	return string(out)
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '.' || c == '-' || c == '_' || c == '~':
		return true
	default:
		return false
	}
}

func parseResponse(d *bencode.Dict) (*announceResponse, error) {
	resp := &announceResponse{}
	if fr, ok := d.Get("failure reason"); ok {
		if s, ok := fr.(string); ok {
			resp.failureReason = s
			return resp, nil
		}
	}
	if iv, ok := d.Get("interval"); ok {
		if n, ok := iv.(int64); ok {
			resp.interval = time.Duration(n) * time.Second
		}
	}
	peersVal, ok := d.Get("peers")
	if !ok {
		return resp, nil
	}
	switch p := peersVal.(type) {
	case string:
		addrs, err := parseCompactPeers([]byte(p))
		if err != nil {
			return nil, err
		}
		resp.peers = addrs
	case []interface{}:
		for _, pv := range p {
			pd, ok := pv.(*bencode.Dict)
			if !ok {
				continue
			}
			ipVal, _ := pd.Get("ip")
			portVal, _ := pd.Get("port")
			ip, _ := ipVal.(string)
			port, _ := portVal.(int64)
			if ip == "" {
				continue
			}
			resp.peers = append(resp.peers, &net.TCPAddr{IP: net.ParseIP(ip), Port: int(port)})
		}
	default:
		return nil, fmt.Errorf("announcer: unsupported peers encoding %T", peersVal)
	}
	return resp, nil
}

func parseCompactPeers(b []byte) ([]*net.TCPAddr, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("announcer: compact peers length %d not a multiple of 6", len(b))
	}
	var addrs []*net.TCPAddr
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: port})
	}
	return addrs, nil
}
