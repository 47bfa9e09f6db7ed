// Package tracker builds the tracker query, sends it, and parses the
// compact peer list out of the bencoded response.
package tracker

import (
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/brenix/leech/bencode"
	"github.com/brenix/leech/errs"
)

// PeerAddress is a single compact-format peer entry: IPv4 + port.
type PeerAddress struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddress) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Response is the decoded tracker announce response.
type Response struct {
	Interval int64
	Peers    []PeerAddress
}

// httpGetter is the seam between this package and the network: satisfied
// by *http.Client in production (its Get method matches) and by a fake in
// tests, so the tracker's "raw HTTP GET" collaborator (spec.md §1) is
// swappable without touching query-building or response-parsing logic.
type httpGetter interface {
	Get(url string) (*http.Response, error)
}

// BuildAnnounceURL builds the tracker GET URL: compact=1, info_hash and
// peer_id percent-encoded per byte (%xx for all 20 bytes, always — not
// url.QueryEscape's partial encoding, which leaves some bytes literal).
func BuildAnnounceURL(announce string, infoHash, peerID [20]byte, port uint16, left int64) (string, error) {
	base, err := url.Parse(announce)
	if err != nil {
		return "", errors.Wrap(err, "tracker: invalid announce URL")
	}
	q := url.Values{
		"port":       {strconv.Itoa(int(port))},
		"uploaded":   {"0"},
		"downloaded": {"0"},
		"compact":    {"1"},
		"left":       {strconv.FormatInt(left, 10)},
	}
	base.RawQuery = q.Encode()
	base.RawQuery += "&info_hash=" + percentEncodeAll(infoHash[:])
	base.RawQuery += "&peer_id=" + percentEncodeAll(peerID[:])
	return base.String(), nil
}

func percentEncodeAll(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		out = append(out, '%')
		out = append(out, hexDigits[c>>4], hexDigits[c&0x0f])
	}
	return string(out)
}

const hexDigits = "0123456789ABCDEF"

// Announce performs the tracker GET and decodes its response.
func Announce(client *http.Client, announce string, infoHash, peerID [20]byte, port uint16, left int64) (*Response, error) {
	reqURL, err := BuildAnnounceURL(announce, infoHash, peerID, port, left)
	if err != nil {
		return nil, err
	}
	return announceVia(client, reqURL)
}

func announceVia(getter httpGetter, reqURL string) (*Response, error) {
	resp, err := getter.Get(reqURL)
	if err != nil {
		return nil, errors.Wrap(errs.ErrTrackerHTTP, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Wrapf(errs.ErrTrackerHTTP, "status %d", resp.StatusCode)
	}

	body := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		body = append(body, buf[:n]...)
		if rerr != nil {
			break
		}
	}

	root, err := bencode.DecodeAll(body)
	if err != nil {
		return nil, errors.Wrap(errs.ErrTrackerDecode, err.Error())
	}
	if root.Kind != bencode.KindDict {
		return nil, errors.Wrap(errs.ErrTrackerDecode, "response is not a dictionary")
	}

	intervalVal, ok := root.Dict.Get("interval")
	if !ok || intervalVal.Kind != bencode.KindInt {
		return nil, errors.Wrap(errs.ErrTrackerDecode, "missing or malformed \"interval\"")
	}
	peersVal, ok := root.Dict.Get("peers")
	if !ok || peersVal.Kind != bencode.KindString {
		return nil, errors.Wrap(errs.ErrTrackerDecode, "missing or malformed \"peers\"")
	}

	peers, err := ParseCompactPeers(peersVal.Str)
	if err != nil {
		return nil, err
	}

	return &Response{Interval: intervalVal.Int, Peers: peers}, nil
}

// ParseCompactPeers splits a compact peer blob (ip[4]||port_be[2] repeated)
// into PeerAddresses.
func ParseCompactPeers(blob []byte) ([]PeerAddress, error) {
	const entrySize = 6
	if len(blob)%entrySize != 0 {
		return nil, errors.Wrapf(errs.ErrTrackerPeerList, "peers blob length %d is not a multiple of %d", len(blob), entrySize)
	}
	n := len(blob) / entrySize
	peers := make([]PeerAddress, n)
	for i := 0; i < n; i++ {
		off := i * entrySize
		ip := make(net.IP, 4)
		copy(ip, blob[off:off+4])
		port := uint16(blob[off+4])<<8 | uint16(blob[off+5])
		peers[i] = PeerAddress{IP: ip, Port: port}
	}
	return peers, nil
}
