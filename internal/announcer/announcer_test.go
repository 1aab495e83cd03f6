package announcer

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCompactPeers(t *testing.T) {
	b := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}
	addrs, err := parseCompactPeers(b)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	require.Equal(t, "127.0.0.1", addrs[0].IP.String())
	require.Equal(t, 0x1AE1, addrs[0].Port)
	require.Equal(t, "10.0.0.2", addrs[1].IP.String())
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	_, err := parseCompactPeers([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestPercentEncodeEscapesBinary(t *testing.T) {
	in := []byte{0x00, 'a', 0xFF, '-', '~'}
	got := percentEncode(in)
	require.Equal(t, "%00a%FF-~", got)
}

func TestAnnounceStartedHitsTrackerAndParsesPeers(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		resp := "d8:intervali1800e5:peers6:" + string([]byte{127, 0, 0, 1, 0x1A, 0xE1}) + "e"
		w.Write([]byte(resp))
	}))
	defer srv.Close()

	var infoHash, peerID [20]byte
	copy(infoHash[:], bytes.Repeat([]byte{0xAB}, 20))
	copy(peerID[:], bytes.Repeat([]byte{0xCD}, 20))

	peersC := make(chan []*net.TCPAddr, 1)
	a := New(infoHash, peerID, [][]string{{srv.URL}}, 6881, 42,
		func() Stats { return Stats{Left: 100} },
		func(addrs []*net.TCPAddr) { peersC <- addrs },
	)
	defer a.Stopped()

	select {
	case addrs := <-peersC:
		require.Len(t, addrs, 1)
		require.Equal(t, "127.0.0.1", addrs[0].IP.String())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for announce callback")
	}
	require.Contains(t, gotQuery, "event=started")
}
