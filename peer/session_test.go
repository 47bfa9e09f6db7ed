package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/brenix/leech/errs"
	"github.com/brenix/leech/helpers/bitfield"
	"github.com/brenix/leech/logging"
	"github.com/brenix/leech/wire"
)

func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, remote := net.Pipe()
	s := &Session{
		Bitfield: bitfield.New(4),
		conn:     client,
		choked:   true,
		log:      zerolog.Nop(),
		verbose:  logging.Nop(),
	}
	t.Cleanup(func() { client.Close(); remote.Close() })
	return s, remote
}

func TestParticipate_DeliversBlock(t *testing.T) {
	s, remote := newTestSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := wire.ReadMessage(remote)
		if err != nil || msg.Tag != wire.TagInterested {
			t.Errorf("expected Interested, got %+v err=%v", msg, err)
			return
		}
		if err := wire.WriteMessage(remote, wire.UnchokeMsg()); err != nil {
			t.Errorf("write unchoke: %v", err)
			return
		}
		reqMsg, err := wire.ReadMessage(remote)
		if err != nil || reqMsg.Tag != wire.TagRequest {
			t.Errorf("expected Request, got %+v err=%v", reqMsg, err)
			return
		}
		index, begin, length, err := wire.ParseRequest(reqMsg)
		if err != nil {
			t.Errorf("ParseRequest: %v", err)
			return
		}
		block := make([]byte, length)
		for i := range block {
			block[i] = byte(i)
		}
		if err := wire.WriteMessage(remote, wire.PieceMsg(index, begin, block)); err != nil {
			t.Errorf("write piece: %v", err)
		}
	}()

	work := make(chan int, 1)
	work <- 0
	delivery := make(chan Block, 1)
	requeue := make(chan int, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Participate(context.Background(), 2, 16384, work, delivery, requeue)
	}()

	select {
	case b := <-delivery:
		if b.Index != 2 || b.Begin != 0 || len(b.Data) != 16384 {
			t.Fatalf("unexpected block: %+v (len %d)", b, len(b.Data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered block")
	}

	close(work)
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Participate returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Participate to return")
	}
	<-done
}

func TestParticipate_ChokeRequeuesBlock(t *testing.T) {
	s, remote := newTestSession(t)

	go func() {
		msg, err := wire.ReadMessage(remote)
		if err != nil || msg.Tag != wire.TagInterested {
			return
		}
		wire.WriteMessage(remote, wire.UnchokeMsg())
		reqMsg, err := wire.ReadMessage(remote)
		if err != nil || reqMsg.Tag != wire.TagRequest {
			return
		}
		wire.WriteMessage(remote, wire.ChokeMsg())
	}()

	work := make(chan int, 1)
	work <- 5
	delivery := make(chan Block, 1)
	requeue := make(chan int, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Participate(ctx, 2, 16384, work, delivery, requeue)
	}()

	select {
	case idx := <-requeue:
		if idx != 5 {
			t.Fatalf("requeued index = %d, want 5", idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for requeue")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("Participate error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Participate to return after cancel")
	}
}

func TestParticipate_BlockTimeoutRequeues(t *testing.T) {
	old := BlockTimeout
	BlockTimeout = 100 * time.Millisecond
	defer func() { BlockTimeout = old }()

	s, remote := newTestSession(t)
	go func() {
		msg, err := wire.ReadMessage(remote)
		if err != nil || msg.Tag != wire.TagInterested {
			return
		}
		wire.WriteMessage(remote, wire.UnchokeMsg())
		// Read the Request but never answer it: the timeout should fire.
		wire.ReadMessage(remote)
	}()

	work := make(chan int, 1)
	work <- 3
	delivery := make(chan Block, 1)
	requeue := make(chan int, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Participate(context.Background(), 1, 16384, work, delivery, requeue)
	}()

	select {
	case idx := <-requeue:
		if idx != 3 {
			t.Fatalf("requeued index = %d, want 3", idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for requeue")
	}

	select {
	case err := <-errCh:
		if err != errs.ErrPeerTimeout {
			t.Fatalf("Participate error = %v, want ErrPeerTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Participate to return")
	}
}

// TestParticipate_SequentialPiecesDoNotRaceOnConn is a regression test for
// readLoop outliving its piece: Participate must not return until its own
// readLoop has actually exited, so a second, sequential Participate call
// on the same long-lived connection never has a stale reader from the
// first piece still competing for incoming frames (spec.md §3: per-piece
// tasks "never outlive their piece"). Before the fix, cancelling the first
// piece's context could not interrupt an in-progress blocking read, so the
// first readLoop stayed parked in the connection's read path and raced the
// second piece's freshly spawned readLoop for the Unchoke/Piece frames
// below — occasionally stealing them and hanging the second piece.
func TestParticipate_SequentialPiecesDoNotRaceOnConn(t *testing.T) {
	s, remote := newTestSession(t)

	runPiece := func(pieceIndex int) Block {
		t.Helper()
		done := make(chan struct{})
		go func() {
			defer close(done)
			msg, err := wire.ReadMessage(remote)
			if err != nil || msg.Tag != wire.TagInterested {
				t.Errorf("piece %d: expected Interested, got %+v err=%v", pieceIndex, msg, err)
				return
			}
			if err := wire.WriteMessage(remote, wire.UnchokeMsg()); err != nil {
				t.Errorf("piece %d: write unchoke: %v", pieceIndex, err)
				return
			}
			reqMsg, err := wire.ReadMessage(remote)
			if err != nil || reqMsg.Tag != wire.TagRequest {
				t.Errorf("piece %d: expected Request, got %+v err=%v", pieceIndex, reqMsg, err)
				return
			}
			index, begin, length, err := wire.ParseRequest(reqMsg)
			if err != nil {
				t.Errorf("piece %d: ParseRequest: %v", pieceIndex, err)
				return
			}
			block := make([]byte, length)
			for i := range block {
				block[i] = byte(pieceIndex*100 + i)
			}
			if err := wire.WriteMessage(remote, wire.PieceMsg(index, begin, block)); err != nil {
				t.Errorf("piece %d: write piece: %v", pieceIndex, err)
			}
		}()

		work := make(chan int, 1)
		work <- 0
		delivery := make(chan Block, 1)
		requeue := make(chan int, 1)

		errCh := make(chan error, 1)
		go func() {
			errCh <- s.Participate(context.Background(), pieceIndex, 16384, work, delivery, requeue)
		}()

		var block Block
		select {
		case block = <-delivery:
		case <-time.After(2 * time.Second):
			t.Fatalf("piece %d: timed out waiting for delivered block", pieceIndex)
		}
		close(work)
		select {
		case err := <-errCh:
			if err != nil {
				t.Fatalf("piece %d: Participate returned error: %v", pieceIndex, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("piece %d: timed out waiting for Participate to return", pieceIndex)
		}
		// Participate's return must mean its readLoop goroutine is already
		// gone, not merely that its own loop decided to stop.
		<-done
		return block
	}

	first := runPiece(0)
	second := runPiece(1)

	if first.Data[0] != 0 {
		t.Fatalf("piece 0 delivered wrong data: got first byte %d, want 0", first.Data[0])
	}
	if second.Data[0] != 100 {
		t.Fatalf("piece 1 delivered wrong data (likely stolen by a stale reader): got first byte %d, want 100", second.Data[0])
	}
}

func TestParticipate_WorkClosedReturnsNil(t *testing.T) {
	s, remote := newTestSession(t)
	s.choked = false
	s.interested = true

	go func() {
		wire.ReadMessage(remote) // in case Interested still gets sent; no-op if none arrives
	}()

	work := make(chan int)
	close(work)
	delivery := make(chan Block, 1)
	requeue := make(chan int, 1)

	err := s.Participate(context.Background(), 0, 16384, work, delivery, requeue)
	if err != nil {
		t.Fatalf("Participate with closed work = %v, want nil", err)
	}
}
