// Package scheduler builds the rarity-ordered piece queue and drives each
// piece's per-block fan-out across the peers that hold it.
package scheduler

import (
	"bytes"
	"container/heap"
	"context"
	"crypto/sha1"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/brenix/leech/errs"
	"github.com/brenix/leech/logging"
	"github.com/brenix/leech/peer"
)

// PieceDescriptor is everything the scheduler needs to fetch and verify
// one piece.
type PieceDescriptor struct {
	Index  int
	Length int64
	Digest [20]byte
	Peers  []*peer.Session
}

// pieceHeap orders descriptors by ascending rarity (fewer holding peers
// sorts first); ties break on digest, then length, then index, giving a
// stable total order for reproducibility.
type pieceHeap []*PieceDescriptor

func (h pieceHeap) Len() int { return len(h) }

func (h pieceHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if len(a.Peers) != len(b.Peers) {
		return len(a.Peers) < len(b.Peers)
	}
	if c := bytes.Compare(a.Digest[:], b.Digest[:]); c != 0 {
		return c < 0
	}
	if a.Length != b.Length {
		return a.Length < b.Length
	}
	return a.Index < b.Index
}

func (h pieceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pieceHeap) Push(x any) { *h = append(*h, x.(*PieceDescriptor)) }

func (h *pieceHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Scheduler owns the rarity priority queue of downloadable pieces plus the
// set of pieces no peer currently holds.
type Scheduler struct {
	queue   pieceHeap
	NoPeers []*PieceDescriptor
	log     zerolog.Logger
	verbose logging.VerboseSink
}

// New partitions descs into the rarity queue and the no-peers set.
func New(descs []*PieceDescriptor, log zerolog.Logger, verbose logging.VerboseSink) *Scheduler {
	s := &Scheduler{log: log, verbose: verbose}
	for _, d := range descs {
		if len(d.Peers) == 0 {
			s.NoPeers = append(s.NoPeers, d)
			continue
		}
		s.queue = append(s.queue, d)
	}
	heap.Init(&s.queue)
	return s
}

// Next pops the rarest remaining piece, or returns ok=false when the queue
// is drained.
func (s *Scheduler) Next() (*PieceDescriptor, bool) {
	if s.queue.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&s.queue).(*PieceDescriptor), true
}

// DownloadAll drains the queue piece by piece (never two at once, per the
// single-piece-at-a-time restriction), writing each verified piece into
// output at offset index*pieceLength.
func (s *Scheduler) DownloadAll(ctx context.Context, output []byte, pieceLength int64) error {
	for {
		desc, ok := s.Next()
		if !ok {
			break
		}
		offset := int64(desc.Index) * pieceLength
		if err := s.downloadPiece(ctx, desc, output[offset:offset+desc.Length]); err != nil {
			return errors.Wrapf(err, "piece %d", desc.Index)
		}
	}
	return nil
}

// downloadPiece fans participate() out to every peer holding desc
// concurrently, reassembles delivered blocks into buf, and verifies the
// SHA-1 digest on completion.
func (s *Scheduler) downloadPiece(ctx context.Context, desc *PieceDescriptor, buf []byte) error {
	nblocks := peer.NumBlocks(desc.Length)

	work := make(chan int, nblocks)
	for i := 0; i < nblocks; i++ {
		work <- i
	}
	delivery := make(chan peer.Block, nblocks)

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Plain errgroup.Group, not WithContext: a single peer's error (a block
	// timeout, a protocol fault) must not cancel the others' participation —
	// spec.md §4.5/§7 requires the piece to keep going on the remaining
	// peers. Each participant shares pctx directly so only the piece-level
	// completion/cancel in this function stops them all at once.
	var g errgroup.Group
	for _, p := range desc.Peers {
		p := p
		g.Go(func() error {
			return p.Participate(pctx, desc.Index, desc.Length, work, delivery, work)
		})
	}

	go func() {
		g.Wait()
		close(delivery)
	}()

	var received int64
	for received < desc.Length {
		select {
		case b, ok := <-delivery:
			if !ok {
				return errors.Wrapf(errs.ErrPieceUnavailable, "piece %d: all peers finished with %d of %d bytes received", desc.Index, received, desc.Length)
			}
			if int64(b.Begin)+int64(len(b.Data)) > int64(len(buf)) {
				return errors.Wrapf(errs.ErrProtocolInvalid, "piece %d: block at %d len %d overruns piece of length %d", desc.Index, b.Begin, len(b.Data), len(buf))
			}
			copy(buf[b.Begin:], b.Data)
			received += int64(len(b.Data))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	cancel() // no more blocks needed: let remaining participants unwind
	// Wait for them to return so none is still reading from its session's
	// connection when the next piece starts a new Participate on it.
	g.Wait()

	sum := sha1.Sum(buf)
	if sum != desc.Digest {
		return errors.Wrapf(errs.ErrPieceDigestMismatch, "piece %d: got %x want %x", desc.Index, sum, desc.Digest)
	}
	s.verbose.Emit("scheduler", "out", "-", "piece-verified")
	return nil
}
