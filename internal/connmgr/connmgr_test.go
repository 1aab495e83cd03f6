package connmgr

import (
	"testing"
	"time"

	"github.com/cenkalti/gorain/internal/peerprotocol"
	"github.com/stretchr/testify/require"
)

func mustHandshake(infoHash, peerID [20]byte) []byte {
	return peerprotocol.Handshake{InfoHash: infoHash, PeerID: peerID}.Marshal()
}

func TestDialAcceptHandshakeAndMessage(t *testing.T) {
	var infoHash, peerA, peerB [20]byte
	for i := range infoHash {
		infoHash[i] = byte(i)
	}
	peerA[0] = 'A'
	peerB[0] = 'B'

	listener, err := New("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Shutdown()

	dialer, err := New("127.0.0.1:0")
	require.NoError(t, err)
	defer dialer.Shutdown()

	dialer.Dial(listener.Addr().String(), infoHash, mustHandshake(infoHash, peerA))

	var incoming IncomingHandshake
	select {
	case incoming = <-listener.IncomingHandshakes:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming handshake")
	}
	require.Equal(t, peerA, incoming.PeerID)
	incoming.Accept(mustHandshake(infoHash, peerB))

	var outgoing OutgoingHandshake
	select {
	case outgoing = <-dialer.OutgoingHandshakes:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outgoing handshake")
	}
	require.Equal(t, peerB, outgoing.PeerID)
	outgoing.Accept(true)

	var estA, estB Established
	select {
	case estB = <-listener.Established:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for listener-side established")
	}
	select {
	case estA = <-dialer.Established:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dialer-side established")
	}

	dialer.SendMessage(estA.ID, peerprotocol.InterestedMessage{})

	select {
	case msg := <-listener.Messages:
		require.Equal(t, estB.ID, msg.ID)
		require.Equal(t, peerprotocol.Interested, msg.Msg.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message delivery")
	}
}

func TestIncomingRejectClosesSilently(t *testing.T) {
	var infoHash, peerA [20]byte
	infoHash[0] = 1
	peerA[0] = 'A'

	listener, err := New("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Shutdown()

	dialer, err := New("127.0.0.1:0")
	require.NoError(t, err)
	defer dialer.Shutdown()

	dialer.Dial(listener.Addr().String(), infoHash, mustHandshake(infoHash, peerA))

	select {
	case incoming := <-listener.IncomingHandshakes:
		incoming.Accept(nil)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming handshake")
	}

	select {
	case <-dialer.Established:
		t.Fatal("did not expect an established session")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOutgoingRejectReportsDisconnect(t *testing.T) {
	var infoHash, peerA, peerB [20]byte
	infoHash[0] = 2
	peerA[0] = 'A'
	peerB[0] = 'B'

	listener, err := New("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Shutdown()

	dialer, err := New("127.0.0.1:0")
	require.NoError(t, err)
	defer dialer.Shutdown()

	id := dialer.Dial(listener.Addr().String(), infoHash, mustHandshake(infoHash, peerA))

	select {
	case incoming := <-listener.IncomingHandshakes:
		incoming.Accept(mustHandshake(infoHash, peerB))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming handshake")
	}

	var outgoing OutgoingHandshake
	select {
	case outgoing = <-dialer.OutgoingHandshakes:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outgoing handshake")
	}
	require.Equal(t, id, outgoing.ID)
	outgoing.Accept(false)

	select {
	case dc := <-dialer.Disconnects:
		require.Equal(t, id, dc.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect after rejected outgoing handshake")
	}
}
