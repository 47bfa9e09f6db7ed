// Command leech is a leeching BitTorrent client: given one or more
// metainfo files, it downloads their content and writes it to disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/brenix/leech/logging"
	"github.com/brenix/leech/metainfo"
	"github.com/brenix/leech/torrent"
	"github.com/brenix/leech/tracker"
)

// stringSlice collects a repeatable flag's values, e.g. -t a -t b -t c.
type stringSlice []string

func (s *stringSlice) String() string { return fmt.Sprint([]string(*s)) }

func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var torrents stringSlice
	flag.Var(&torrents, "t", "path to a torrent metainfo file (repeatable)")
	prettyPrint := flag.Bool("p", false, "pretty-print decoded metainfo and skip download")
	dumpPeers := flag.Bool("d", false, "print each tracker peer as IP:PORT and skip download")
	verboseFlag := flag.Bool("v", false, "emit one line per protocol event")
	outDir := flag.String("o", ".", "directory to write downloaded content into")
	fanout := flag.Int("fanout", torrent.DefaultHandshakeFanout, "number of peer handshakes attempted in parallel")
	flag.Parse()

	if len(torrents) == 0 {
		fmt.Fprintln(os.Stderr, "leech: at least one -t <torrent-file> is required")
		os.Exit(1)
	}

	log := logging.New(*verboseFlag)
	peerID := torrent.GeneratePeerID()
	ctx := context.Background()

	failed := false
	for _, path := range torrents {
		if err := processOne(ctx, path, peerID, *prettyPrint, *dumpPeers, *verboseFlag, *outDir, *fanout, log); err != nil {
			fmt.Fprintf(os.Stderr, "leech: %s: %v\n", path, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func processOne(ctx context.Context, path string, peerID [20]byte, prettyPrint, dumpPeers, verboseFlag bool, outDir string, fanout int, log zerolog.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	meta, err := metainfo.Decode(raw)
	if err != nil {
		return err
	}

	if prettyPrint {
		printMetainfo(meta)
		return nil
	}

	var verbose logging.VerboseSink = logging.Nop()
	if verboseFlag {
		verbose = logging.NewVerboseSink(os.Stderr, meta.InfoDigest)
	}

	if dumpPeers {
		resp, err := tracker.Announce(http.DefaultClient, meta.Announce, meta.InfoDigest, peerID, torrent.ListenPort, metainfo.TotalLength(&meta.Info))
		if err != nil {
			return err
		}
		for _, p := range resp.Peers {
			fmt.Println(p.String())
		}
		return nil
	}

	job := torrent.TorrentJob{Path: path, Meta: meta}
	stats, err := torrent.Download(ctx, job, peerID, fanout, outDir, log, verbose)
	if err != nil {
		return err
	}
	log.Info().Str("torrent", path).Int("pieces", stats.PiecesTotal).Int64("bytes", stats.BytesReceived).Msg("download complete")
	return nil
}

func printMetainfo(meta *metainfo.MetaInfo) {
	fmt.Printf("announce:      %s\n", meta.Announce)
	fmt.Printf("name:          %s\n", meta.Info.Name)
	fmt.Printf("info digest:   %x\n", meta.InfoDigest)
	fmt.Printf("piece length:  %d\n", meta.Info.PieceLength)
	fmt.Printf("piece count:   %d\n", len(meta.Info.Pieces))
	if meta.Info.SingleFile {
		fmt.Printf("length:        %d\n", meta.Info.Length)
		return
	}
	fmt.Println("files:")
	for _, f := range meta.Info.Files {
		fmt.Printf("  %-10d %s\n", f.Length, joinPath(f.Path))
	}
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}
