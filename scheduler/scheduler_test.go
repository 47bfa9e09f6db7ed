package scheduler

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/brenix/leech/helpers/bitfield"
	"github.com/brenix/leech/logging"
	"github.com/brenix/leech/peer"
	"github.com/brenix/leech/wire"
)

func TestScheduler_RarityOrdering(t *testing.T) {
	// law 8 — piece->peer-set counts [3,1,2] must pop index 1 first.
	mkDesc := func(index, numPeers int) *PieceDescriptor {
		d := &PieceDescriptor{Index: index, Length: 16384}
		d.Digest[0] = byte(index)
		d.Peers = make([]*peer.Session, numPeers)
		return d
	}
	descs := []*PieceDescriptor{mkDesc(0, 3), mkDesc(1, 1), mkDesc(2, 2)}
	s := New(descs, zerolog.Nop(), logging.Nop())

	var order []int
	for {
		d, ok := s.Next()
		if !ok {
			break
		}
		order = append(order, d.Index)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 0 {
		t.Fatalf("pop order = %v, want [1 2 0]", order)
	}
}

func TestScheduler_NoPeersSetAside(t *testing.T) {
	withPeers := &PieceDescriptor{Index: 0, Length: 16384, Peers: []*peer.Session{nil}}
	without := &PieceDescriptor{Index: 1, Length: 16384}
	s := New([]*PieceDescriptor{withPeers, without}, zerolog.Nop(), logging.Nop())

	if len(s.NoPeers) != 1 || s.NoPeers[0].Index != 1 {
		t.Fatalf("NoPeers = %v, want [index 1]", s.NoPeers)
	}
	d, ok := s.Next()
	if !ok || d.Index != 0 {
		t.Fatalf("Next() = %v, %v, want index 0", d, ok)
	}
}

// fakeRemotePeer drives one end of a net.Pipe as if it were a real
// BitTorrent peer: it unchokes immediately and answers every Request with
// the matching slice of want, unless chokeAfter > 0, in which case it
// chokes (without answering) after that many requests and never recovers.
func fakeRemotePeer(t *testing.T, conn net.Conn, want []byte, chokeAfter int) {
	t.Helper()
	go func() {
		msg, err := wire.ReadMessage(conn)
		if err != nil || msg.Tag != wire.TagInterested {
			return
		}
		if err := wire.WriteMessage(conn, wire.UnchokeMsg()); err != nil {
			return
		}
		served := 0
		for {
			reqMsg, err := wire.ReadMessage(conn)
			if err != nil {
				return
			}
			if reqMsg.Tag != wire.TagRequest {
				continue
			}
			if chokeAfter > 0 && served >= chokeAfter {
				wire.WriteMessage(conn, wire.ChokeMsg())
				return
			}
			index, begin, length, err := wire.ParseRequest(reqMsg)
			if err != nil {
				return
			}
			block := want[begin : begin+length]
			if err := wire.WriteMessage(conn, wire.PieceMsg(index, begin, block)); err != nil {
				return
			}
			served++
		}
	}()
}

func newConnectedSession(t *testing.T, want []byte, chokeAfter int) *peer.Session {
	t.Helper()
	client, remote := net.Pipe()
	t.Cleanup(func() { client.Close(); remote.Close() })
	fakeRemotePeer(t, remote, want, chokeAfter)
	return peer.NewTestSession(client, bitfield.New(1))
}

func TestScheduler_ChokeRequeueReconstructsPiece(t *testing.T) {
	// law 9 — a peer that chokes mid-piece yields its remaining blocks to
	// the other peer; the final buffer matches a single-peer download.
	pieceLen := int64(3 * peer.BlockLength)
	want := make([]byte, pieceLen)
	for i := range want {
		want[i] = byte(i % 251)
	}
	digest := sha1.Sum(want)

	chokingPeer := newConnectedSession(t, want, 1) // answers 1 block then chokes
	reliablePeer := newConnectedSession(t, want, 0)

	desc := &PieceDescriptor{
		Index:  0,
		Length: pieceLen,
		Digest: digest,
		Peers:  []*peer.Session{chokingPeer, reliablePeer},
	}
	s := New([]*PieceDescriptor{desc}, zerolog.Nop(), logging.Nop())

	buf := make([]byte, pieceLen)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.downloadPiece(ctx, desc, buf); err != nil {
		t.Fatalf("downloadPiece: %v", err)
	}
	for i := range buf {
		if buf[i] != want[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, buf[i], want[i])
		}
	}
}
