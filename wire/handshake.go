package wire

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/brenix/leech/errs"
)

const (
	protocolString = "BitTorrent protocol"
	// HandshakeLen is the fixed length of a handshake record:
	// 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (info hash) + 20 (peer id).
	HandshakeLen = 1 + len(protocolString) + 8 + 20 + 20
)

// Handshake is the fixed 68-byte handshake record. Peer IDs are not
// verified: servers may assign opaque IDs.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Marshal returns the 68-byte wire image of h.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolString))
	cursor := 1
	cursor += copy(buf[cursor:], protocolString)
	cursor += 8 // reserved, already zero
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// WriteHandshake writes h's wire image to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Marshal())
	return err
}

// ReadHandshake reads and validates a 68-byte handshake record from r.
// A mismatched length prefix or protocol string is a fatal handshake error.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, errors.Wrap(errs.ErrPeerHandshake, err.Error())
	}
	if buf[0] != byte(len(protocolString)) {
		return Handshake{}, errors.Wrapf(errs.ErrProtocolInvalid, "unexpected pstrlen %d", buf[0])
	}
	if !bytes.Equal(buf[1:1+len(protocolString)], []byte(protocolString)) {
		return Handshake{}, errors.Wrap(errs.ErrProtocolInvalid, "unexpected protocol string")
	}
	var h Handshake
	cursor := 1 + len(protocolString) + 8
	copy(h.InfoHash[:], buf[cursor:cursor+20])
	copy(h.PeerID[:], buf[cursor+20:cursor+40])
	return h, nil
}
