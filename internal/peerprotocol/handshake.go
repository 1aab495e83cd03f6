// Package peerprotocol implements the BitTorrent wire protocol: the
// handshake and the length-prefixed post-handshake messages.
package peerprotocol

import (
	"bytes"
	"fmt"
)

const (
	pstrlen = 19
	pstr    = "BitTorrent protocol"
	// HandshakeLen is sizeof(HandshakeMessage): 1 + 19 + 8 + 20 + 20.
	HandshakeLen = 1 + pstrlen + 8 + 20 + 20
)

// Handshake is the fixed 68-byte BitTorrent handshake.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Marshal encodes the handshake to its wire form.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, pstrlen)
	buf = append(buf, pstr...)
	buf = append(buf, make([]byte, 8)...) // reserved
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ParseHandshake decodes exactly HandshakeLen bytes of b.
func ParseHandshake(b []byte) (Handshake, error) {
	var h Handshake
	if len(b) != HandshakeLen {
		return h, fmt.Errorf("peerprotocol: invalid handshake length %d", len(b))
	}
	if b[0] != pstrlen {
		return h, fmt.Errorf("peerprotocol: invalid pstrlen %d", b[0])
	}
	if !bytes.Equal(b[1:1+pstrlen], []byte(pstr)) {
		return h, fmt.Errorf("peerprotocol: invalid protocol string")
	}
	copy(h.InfoHash[:], b[1+pstrlen+8:1+pstrlen+8+20])
	copy(h.PeerID[:], b[1+pstrlen+8+20:])
	return h, nil
}
