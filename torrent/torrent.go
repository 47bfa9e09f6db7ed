// Package torrent is the orchestrator: it decodes a metainfo file,
// queries the tracker, fans out peer handshakes, drains the piece
// scheduler, and writes the reconstructed content to disk.
package torrent

import (
	"context"
	"crypto/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/brenix/leech/errs"
	"github.com/brenix/leech/logging"
	"github.com/brenix/leech/metainfo"
	"github.com/brenix/leech/peer"
	"github.com/brenix/leech/scheduler"
	"github.com/brenix/leech/tracker"
)

// DefaultHandshakeFanout is the default number (K) of peer connections
// attempted in parallel at startup.
const DefaultHandshakeFanout = 5

// ListenPort is the port advertised to the tracker. This client never
// accepts inbound connections; it is leech-only.
const ListenPort uint16 = 6881

// TorrentJob is the unit the CLI hands to the orchestrator: a decoded
// metainfo file plus the path it came from, used in user-visible error
// lines.
type TorrentJob struct {
	Path string
	Meta *metainfo.MetaInfo
}

// DownloadStats are purely observational per-torrent counters; nothing in
// the scheduler or peer state machine reads them back.
type DownloadStats struct {
	PiecesTotal     int
	PiecesCompleted int64
	BytesReceived   int64
	PeersActive     int64
}

// GeneratePeerID returns a fresh Azureus-style peer id with a random
// per-run suffix.
func GeneratePeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-LE0001-")
	rand.Read(id[8:])
	return id
}

// Download runs the full pipeline for one job: tracker announce,
// bounded-parallel handshake fan-out, scheduler drain, and file writeout.
func Download(ctx context.Context, job TorrentJob, peerID [20]byte, fanout int, outDir string, log zerolog.Logger, verbose logging.VerboseSink) (*DownloadStats, error) {
	info := &job.Meta.Info
	stats := &DownloadStats{PiecesTotal: len(info.Pieces)}

	left := metainfo.TotalLength(info)
	resp, err := tracker.Announce(http.DefaultClient, job.Meta.Announce, job.Meta.InfoDigest, peerID, ListenPort, left)
	if err != nil {
		return stats, errors.Wrapf(err, "torrent %s: tracker announce", job.Path)
	}
	log.Info().Str("torrent", job.Path).Int("peers", len(resp.Peers)).Msg("tracker announce ok")

	sessions := connectPeers(ctx, resp.Peers, peerID, job.Meta.InfoDigest, len(info.Pieces), fanout, log, verbose)
	if len(sessions) == 0 {
		return stats, errors.Wrapf(errs.ErrPeerConnect, "torrent %s: no peer handshake succeeded", job.Path)
	}
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()
	atomic.StoreInt64(&stats.PeersActive, int64(len(sessions)))

	descs := buildDescriptors(info, sessions)
	sched := scheduler.New(descs, log, verbose)
	if len(sched.NoPeers) > 0 {
		log.Warn().Int("count", len(sched.NoPeers)).Msg("pieces with no holding peer")
		return stats, errors.Wrapf(errs.ErrPieceUnavailable, "torrent %s: %d piece(s) held by no connected peer", job.Path, len(sched.NoPeers))
	}

	output := make([]byte, left)
	if err := sched.DownloadAll(ctx, output, info.PieceLength); err != nil {
		return stats, errors.Wrapf(err, "torrent %s", job.Path)
	}
	atomic.StoreInt64(&stats.PiecesCompleted, int64(len(info.Pieces)))
	atomic.StoreInt64(&stats.BytesReceived, left)

	if err := writeOutput(info, outDir, output); err != nil {
		return stats, errors.Wrapf(errs.ErrIOWrite, "torrent %s: %s", job.Path, err.Error())
	}
	return stats, nil
}

// connectPeers performs the bounded-parallel handshake fan-out: up to
// fanout dials run concurrently, and failing peers are simply skipped —
// there is no retry budget large enough to block startup on a dead swarm.
func connectPeers(ctx context.Context, addrs []tracker.PeerAddress, peerID, infoHash [20]byte, numPieces, fanout int, log zerolog.Logger, verbose logging.VerboseSink) []*peer.Session {
	if fanout <= 0 {
		fanout = DefaultHandshakeFanout
	}
	sem := make(chan struct{}, fanout)
	g, gctx := errgroup.WithContext(ctx)

	results := make(chan *peer.Session, len(addrs))
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return nil
			}
			defer func() { <-sem }()

			s, err := peer.Connect(gctx, addr, peerID, infoHash, numPieces, log, verbose)
			if err != nil {
				log.Debug().Str("peer", addr.String()).Err(err).Msg("handshake failed")
				return nil
			}
			results <- s
			return nil
		})
	}
	g.Wait()
	close(results)

	sessions := make([]*peer.Session, 0, len(addrs))
	for s := range results {
		sessions = append(sessions, s)
	}
	return sessions
}

// buildDescriptors builds one PieceDescriptor per piece, listing every
// connected session whose bitfield claims that piece. Descriptors are
// computed once, from the handshake-complete peer set; later Have
// messages update each session's own Bitfield but do not retroactively
// grow a descriptor's peer list.
func buildDescriptors(info *metainfo.Info, sessions []*peer.Session) []*scheduler.PieceDescriptor {
	descs := make([]*scheduler.PieceDescriptor, len(info.Pieces))
	for i := range info.Pieces {
		d := &scheduler.PieceDescriptor{
			Index:  i,
			Length: metainfo.PieceSize(info, i),
			Digest: info.Pieces[i],
		}
		for _, s := range sessions {
			if s.Bitfield.HasPiece(i) {
				d.Peers = append(d.Peers, s)
			}
		}
		descs[i] = d
	}
	return descs
}

// writeOutput lays out the assembled buffer per spec.md §6: a single file
// named info.Name, or a directory info.Name/ containing each file.Path in
// list order with no padding between entries.
func writeOutput(info *metainfo.Info, outDir string, buf []byte) error {
	if info.SingleFile {
		return os.WriteFile(filepath.Join(outDir, info.Name), buf, 0o644)
	}

	root := filepath.Join(outDir, info.Name)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	var offset int64
	for _, f := range info.Files {
		parts := append([]string{root}, f.Path...)
		path := filepath.Join(parts...)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, buf[offset:offset+f.Length], 0o644); err != nil {
			return err
		}
		offset += f.Length
	}
	return nil
}
