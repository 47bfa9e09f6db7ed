// Package peer implements the per-connection peer wire protocol driver:
// handshake, bitfield exchange, interested/choke handshaking, request
// issuance, piece delivery reassembly, and timeout/error handling.
package peer

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/brenix/leech/errs"
	"github.com/brenix/leech/helpers/bitfield"
	"github.com/brenix/leech/logging"
	"github.com/brenix/leech/tracker"
	"github.com/brenix/leech/wire"
)

const (
	dialTimeout      = 3 * time.Second
	handshakeTimeout = 5 * time.Second
	// BlockLength is the standard request size; the final block of a piece
	// is shorter when the piece length is not a multiple of it.
	BlockLength = 16 * 1024
	// readPollInterval bounds how long readLoop's frame-boundary poll can
	// block before re-checking ctx. It must stay short enough that
	// Participate returns promptly at piece-end, not so short that it
	// busy-spins the connection.
	readPollInterval = 200 * time.Millisecond
)

// BlockTimeout is the recommended per-block timeout: an outstanding
// request not answered within this window returns to the requeue channel
// and this session stops participating in the current piece. It is a var,
// not a const, so tests can shrink it.
var BlockTimeout = 30 * time.Second

// NumBlocks returns how many BlockLength-sized requests a piece of the
// given size splits into (the last one possibly shorter).
func NumBlocks(pieceSize int64) int {
	return int((pieceSize + BlockLength - 1) / BlockLength)
}

// blockLength returns the length in bytes of block index idx within a
// piece of the given size.
func blockLength(pieceSize int64, idx int) int {
	begin := int64(idx) * BlockLength
	remaining := pieceSize - begin
	if remaining < BlockLength {
		return int(remaining)
	}
	return BlockLength
}

// Block is a fully delivered block of piece data whose piece index and
// begin offset matched the outstanding request, handed off to the
// per-piece receive loop for assembly. Its length is not checked here.
type Block struct {
	Index int
	Begin int
	Data  []byte
}

// Session is the per-peer state machine. It is owned by the orchestrator
// and lives for the whole download; Participate is called once per piece
// the peer is asked to help with.
type Session struct {
	Addr     tracker.PeerAddress
	Bitfield bitfield.Bitfield

	conn       net.Conn
	choked     bool // remote has us choked
	interested bool // we have told remote we are interested

	log     zerolog.Logger
	verbose logging.VerboseSink
}

// Connect dials addr, performs the handshake, and receives the mandatory
// first Bitfield frame. Per spec.md §4.5, any other first message is a
// fatal ErrProtocolUnexpected.
func Connect(ctx context.Context, addr tracker.PeerAddress, peerID, infoHash [20]byte, numPieces int, log zerolog.Logger, verbose logging.VerboseSink) (*Session, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errors.Wrap(errs.ErrPeerConnect, err.Error())
	}

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		conn.Close()
		return nil, errors.Wrap(errs.ErrPeerConnect, err.Error())
	}

	if err := wire.WriteHandshake(conn, wire.Handshake{InfoHash: infoHash, PeerID: peerID}); err != nil {
		conn.Close()
		return nil, errors.Wrap(errs.ErrPeerHandshake, err.Error())
	}
	resp, err := wire.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.InfoHash != infoHash {
		conn.Close()
		return nil, errors.Wrapf(errs.ErrPeerHandshake, "info hash mismatch: got %x want %x", resp.InfoHash, infoHash)
	}
	verbose.Emit("peer", "in", addr.String(), "handshake-ok")

	msg, err := wire.ReadMessage(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(errs.ErrPeerHandshake, err.Error())
	}
	if msg == nil || msg.Tag != wire.TagBitfield {
		conn.Close()
		return nil, errors.Wrap(errs.ErrProtocolUnexpected, "first message after handshake was not Bitfield")
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, errors.Wrap(errs.ErrPeerConnect, err.Error())
	}

	bf := bitfield.New(numPieces)
	copy(bf, msg.Payload)
	verbose.Emit("peer", "in", addr.String(), "bitfield-ok")

	return &Session{
		Addr:     addr,
		Bitfield: bf,
		conn:     conn,
		choked:   true,
		log:      log,
		verbose:  verbose,
	}, nil
}

// NewTestSession builds a Session around an already-connected conn,
// bypassing Connect's dial/handshake exchange. Exported so other packages'
// tests (e.g. the scheduler's) can drive Participate against a fake peer
// without duplicating Session's unexported fields.
func NewTestSession(conn net.Conn, bf bitfield.Bitfield) *Session {
	return &Session{
		Bitfield: bf,
		conn:     conn,
		choked:   true,
		log:      zerolog.Nop(),
		verbose:  logging.Nop(),
	}
}

// Close terminates the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) send(m *wire.Message) error {
	return wire.WriteMessage(s.conn, m)
}

type inbound struct {
	msg *wire.Message
	err error
}

// readLoop pushes every frame (or the terminal error) from the connection
// onto out, until the connection errors or ctx is cancelled. It never
// blocks past a frame boundary without re-checking ctx, so Participate can
// rely on it actually exiting promptly when its piece ends — the session's
// conn is long-lived and reused by the next piece's Participate call, so a
// reader left running past its piece would race the next one for frames
// (spec.md §3's per-piece task ownership: "they never outlive their
// piece").
func (s *Session) readLoop(ctx context.Context, out chan<- inbound) {
	for {
		msg, err := s.readFrame(ctx)
		select {
		case out <- inbound{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// readFrame reads one whole frame, polling one byte at a time (under a
// short read deadline) until either a byte of the next frame's length
// prefix arrives or ctx is cancelled. A single-byte read either completes
// whole or not at all, so a poll timeout here can never leave a partial,
// unrecoverable read lodged in the stream — once the first byte is in
// hand, the rest of the frame is read with no deadline, since by then the
// peer is actively sending and the remainder is expected imminently.
func (s *Session) readFrame(ctx context.Context) (*wire.Message, error) {
	var first [1]byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return nil, err
		}
		n, err := io.ReadFull(s.conn, first[:])
		if err != nil {
			if n == 0 && isTimeout(err) {
				continue
			}
			return nil, err
		}
		break
	}
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return wire.ReadMessageFrom(s.conn, first[0])
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

type pendingBlock struct {
	index int
	begin int
}

// Participate drives this session through one piece's download: it pulls
// block indices from work, requests them one at a time, and sends
// completed blocks to delivery. On Choke it returns the in-flight block to
// requeue and waits for Unchoke. It returns cleanly (nil) when work closes
// (no more blocks needed for this piece); a per-block timeout returns the
// block to requeue and ends this session's participation in the piece
// without treating the session itself as dead.
func (s *Session) Participate(ctx context.Context, pieceIndex int, pieceSize int64, work <-chan int, delivery chan<- Block, requeue chan<- int) error {
	pctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	// cancel() must run before wg.Wait(): readFrame's poll loop only exits
	// once it observes ctx cancelled, so waiting first would deadlock.
	// This also guarantees readLoop has actually returned by the time
	// Participate does, so the next piece's Participate call never races
	// a still-running reader on this same connection.
	defer func() {
		cancel()
		wg.Wait()
	}()

	msgs := make(chan inbound, 8)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readLoop(pctx, msgs)
	}()

	s.log.Debug().Str("peer", s.Addr.String()).Int("piece", pieceIndex).Msg("participate start")

	if !s.interested {
		if err := s.send(wire.InterestedMsg()); err != nil {
			return errors.Wrap(errs.ErrPeerConnect, err.Error())
		}
		s.interested = true
	}

	var pending *pendingBlock

	for {
		if pending == nil {
			if err := s.waitForWorkOrControl(ctx, work, msgs, requeue, &pending, pieceIndex, pieceSize); err != nil {
				if err == errWorkClosed {
					return nil
				}
				return err
			}
			continue
		}

		done, err := s.waitForDelivery(ctx, msgs, requeue, delivery, pieceIndex, pending)
		if err != nil {
			return err
		}
		if done {
			pending = nil
		}
	}
}

var errWorkClosed = errors.New("peer: work channel closed")

// waitForWorkOrControl handles the Ready/Waiting-unchoke states: while
// choked it only processes control messages; once unchoked it tries to
// pull the next block index and issue a Request.
func (s *Session) waitForWorkOrControl(ctx context.Context, work <-chan int, msgs <-chan inbound, requeue chan<- int, pending **pendingBlock, pieceIndex int, pieceSize int64) error {
	if s.choked {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-msgs:
			return s.handleControl(in)
		}
	}

	select {
	case idx, ok := <-work:
		if !ok {
			return errWorkClosed
		}
		begin := idx * BlockLength
		length := blockLength(pieceSize, idx)
		if err := s.send(wire.RequestMsg(uint32(pieceIndex), uint32(begin), uint32(length))); err != nil {
			requeue <- idx
			return errors.Wrap(errs.ErrPeerConnect, err.Error())
		}
		*pending = &pendingBlock{index: idx, begin: begin}
		s.verbose.Emit("scheduler", "out", s.Addr.String(), "request")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case in := <-msgs:
		return s.handleControl(in)
	}
}

// waitForDelivery handles the Downloading-pending state for one
// outstanding block. It returns done=true once the block is delivered (or
// abandoned back to requeue), signalling the caller to pull the next one.
func (s *Session) waitForDelivery(ctx context.Context, msgs <-chan inbound, requeue chan<- int, delivery chan<- Block, pieceIndex int, pending *pendingBlock) (bool, error) {
	select {
	case in := <-msgs:
		if in.err != nil {
			requeue <- pending.index
			return false, errors.Wrap(errs.ErrPeerConnect, in.err.Error())
		}
		if in.msg == nil {
			return false, nil // keep-alive
		}
		switch in.msg.Tag {
		case wire.TagPiece:
			index, begin, block, err := wire.ParsePiece(in.msg)
			if err != nil {
				requeue <- pending.index
				return false, err
			}
			if int(index) != pieceIndex || int(begin) != pending.begin {
				return false, nil // discard non-matching, stay Downloading-pending
			}
			delivery <- Block{Index: pieceIndex, Begin: pending.begin, Data: block}
			s.verbose.Emit("scheduler", "in", s.Addr.String(), "piece")
			return true, nil
		case wire.TagChoke:
			s.choked = true
			requeue <- pending.index
			s.verbose.Emit("peer", "in", s.Addr.String(), "choke")
			return true, nil
		case wire.TagUnchoke:
			s.choked = false
			return false, nil
		case wire.TagHave:
			idx, err := wire.ParseHave(in.msg)
			if err == nil {
				s.Bitfield.SetPiece(int(idx))
			}
			return false, nil
		case wire.TagBitfield:
			return false, errors.Wrap(errs.ErrProtocolUnexpected, "bitfield received after ready")
		default:
			return false, nil // Request/Cancel/Interested/NotInterested: ignore, leech-only
		}
	case <-time.After(BlockTimeout):
		requeue <- pending.index
		s.verbose.Emit("peer", "in", s.Addr.String(), "timeout")
		return false, errs.ErrPeerTimeout
	case <-ctx.Done():
		requeue <- pending.index
		return false, ctx.Err()
	}
}

// handleControl processes a single control-state message while no block is
// outstanding (Ready or Waiting-unchoke).
func (s *Session) handleControl(in inbound) error {
	if in.err != nil {
		return errors.Wrap(errs.ErrPeerConnect, in.err.Error())
	}
	if in.msg == nil {
		return nil // keep-alive
	}
	switch in.msg.Tag {
	case wire.TagUnchoke:
		s.choked = false
	case wire.TagChoke:
		s.choked = true
	case wire.TagHave:
		idx, err := wire.ParseHave(in.msg)
		if err == nil {
			s.Bitfield.SetPiece(int(idx))
		}
	case wire.TagBitfield:
		return errors.Wrap(errs.ErrProtocolUnexpected, "bitfield received after ready")
	default:
		// Request/Cancel/Interested/NotInterested: ignore, leech-only.
	}
	return nil
}
