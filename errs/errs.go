// Package errs defines the sentinel error kinds from the client's error
// taxonomy. Subsystems wrap these with github.com/pkg/errors at the point
// a lower-level failure (I/O, decode) crosses into one of these kinds, so
// callers can still match with errors.Is while the wrap also records a
// stack (visible with %+v). The CLI prints each failure on one line with %v.
package errs

import "errors"

var (
	// ErrBencodeSyntax is fatal per torrent: the bencode grammar was violated.
	ErrBencodeSyntax = errors.New("bencode syntax error")
	// ErrBencodeTrailingBytes is fatal per torrent: input had bytes past the
	// single top-level value.
	ErrBencodeTrailingBytes = errors.New("bencode trailing bytes after top-level value")

	// ErrMetainfoShape is fatal per torrent: the decoded dict does not match
	// the required metainfo shape.
	ErrMetainfoShape = errors.New("metainfo has invalid shape")

	// ErrTrackerHTTP is fatal per torrent: the tracker responded non-2xx.
	ErrTrackerHTTP = errors.New("tracker returned a non-2xx response")
	// ErrTrackerDecode is fatal per torrent: the tracker response did not
	// bencode-decode into the expected shape.
	ErrTrackerDecode = errors.New("tracker response has invalid bencode shape")
	// ErrTrackerPeerList is fatal per torrent: the compact peer blob length
	// was not a multiple of 6.
	ErrTrackerPeerList = errors.New("tracker compact peer list has invalid length")

	// ErrPeerConnect is fatal per peer: the TCP dial, or a later read, write
	// or deadline change on the peer connection, failed.
	ErrPeerConnect = errors.New("peer connect failed")
	// ErrPeerHandshake is fatal per peer: the handshake exchange failed.
	ErrPeerHandshake = errors.New("peer handshake failed")

	// ErrProtocolInvalid is fatal per peer session: a frame violated the
	// wire protocol (unknown tag, oversized frame, bad handshake preamble).
	ErrProtocolInvalid = errors.New("peer sent an invalid protocol message")
	// ErrProtocolUnexpected is fatal per peer session: a message arrived in
	// a state that does not allow it (e.g. Bitfield after ready).
	ErrProtocolUnexpected = errors.New("peer sent an unexpected protocol message")

	// ErrPeerTimeout means a requested block was not delivered in time; the
	// block returns to the requeue channel and the session may continue.
	ErrPeerTimeout = errors.New("peer timed out on a block request")

	// ErrPieceDigestMismatch is fatal per torrent in this version: a fully
	// assembled piece failed its SHA-1 check.
	ErrPieceDigestMismatch = errors.New("piece failed digest verification")
	// ErrPieceUnavailable is fatal per torrent: no remaining peer holds a
	// needed piece.
	ErrPieceUnavailable = errors.New("no peer holds a needed piece")

	// ErrIOWrite is fatal per torrent: writing assembled output failed.
	ErrIOWrite = errors.New("failed to write output")
)
