// Package metainfo exposes a typed view over a decoded bencode dict: the
// MetaInfo/Info model, piece-hash table, total-length computation, and the
// info-digest derivation the tracker and peer wire protocols depend on.
package metainfo

import (
	"crypto/sha1"

	"github.com/pkg/errors"

	"github.com/brenix/leech/bencode"
	"github.com/brenix/leech/errs"
)

const HashSize = 20

// Digest identifies a torrent on the tracker and peer protocols: the SHA-1
// of the canonically-bencoded info sub-dictionary.
type Digest [HashSize]byte

// FileEntry is one file of a multi-file torrent.
type FileEntry struct {
	Length int64
	Path   []string // path components, joined with "/" on disk
	MD5Sum string   // optional
}

// Info is the typed view of the info sub-dictionary.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][HashSize]byte

	// Exactly one of Length (single-file) or Files (multi-file) is set;
	// they are treated as strictly disjoint per the metainfo shape.
	SingleFile bool
	Length     int64       // single-file mode
	Files      []FileEntry // multi-file mode
}

// MetaInfo is the typed view of the top-level metainfo dictionary.
type MetaInfo struct {
	Announce    string
	CreationDate int64
	Comment      string
	CreatedBy    string
	Info         Info

	// InfoDigest is derived once at decode time from the canonical
	// re-encoding of the info sub-tree.
	InfoDigest Digest
}

// Decode parses raw metainfo bytes into a MetaInfo.
func Decode(raw []byte) (*MetaInfo, error) {
	root, err := bencode.DecodeAll(raw)
	if err != nil {
		return nil, err
	}
	if root.Kind != bencode.KindDict {
		return nil, errors.Wrap(errs.ErrMetainfoShape, "top-level value is not a dictionary")
	}

	announce, err := requireString(root.Dict, "announce")
	if err != nil {
		return nil, err
	}
	infoVal, ok := root.Dict.Get("info")
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, errors.Wrap(errs.ErrMetainfoShape, "missing or malformed \"info\" dictionary")
	}

	info, err := decodeInfo(infoVal.Dict)
	if err != nil {
		return nil, err
	}

	mi := &MetaInfo{
		Announce:   string(announce),
		Info:       *info,
		InfoDigest: sha1.Sum(bencode.Encode(infoVal)),
	}

	if v, ok := root.Dict.Get("creation date"); ok && v.Kind == bencode.KindInt {
		mi.CreationDate = v.Int
	}
	if v, ok := root.Dict.Get("comment"); ok && v.Kind == bencode.KindString {
		mi.Comment = string(v.Str)
	}
	if v, ok := root.Dict.Get("created by"); ok && v.Kind == bencode.KindString {
		mi.CreatedBy = string(v.Str)
	}

	return mi, nil
}

func decodeInfo(d *bencode.Dict) (*Info, error) {
	name, err := requireString(d, "name")
	if err != nil {
		return nil, err
	}
	pieceLength, err := requireInt(d, "piece length")
	if err != nil {
		return nil, err
	}
	if pieceLength <= 0 {
		return nil, errors.Wrap(errs.ErrMetainfoShape, "piece length must be positive")
	}
	piecesVal, ok := d.Get("pieces")
	if !ok || piecesVal.Kind != bencode.KindString {
		return nil, errors.Wrap(errs.ErrMetainfoShape, "missing or malformed \"pieces\" byte string")
	}
	if len(piecesVal.Str)%HashSize != 0 {
		return nil, errors.Wrapf(errs.ErrMetainfoShape, "pieces length %d is not a multiple of %d", len(piecesVal.Str), HashSize)
	}
	pieces := make([][HashSize]byte, len(piecesVal.Str)/HashSize)
	for i := range pieces {
		copy(pieces[i][:], piecesVal.Str[i*HashSize:(i+1)*HashSize])
	}

	lengthVal, hasLength := d.Get("length")
	filesVal, hasFiles := d.Get("files")
	if hasLength == hasFiles {
		return nil, errors.Wrap(errs.ErrMetainfoShape, "exactly one of \"length\" or \"files\" must be present")
	}

	info := &Info{
		Name:        string(name),
		PieceLength: pieceLength,
		Pieces:      pieces,
	}

	if hasLength {
		if lengthVal.Kind != bencode.KindInt || lengthVal.Int < 0 {
			return nil, errors.Wrap(errs.ErrMetainfoShape, "\"length\" must be a non-negative integer")
		}
		info.SingleFile = true
		info.Length = lengthVal.Int
	} else {
		if filesVal.Kind != bencode.KindList {
			return nil, errors.Wrap(errs.ErrMetainfoShape, "\"files\" must be a list")
		}
		files, err := decodeFiles(filesVal)
		if err != nil {
			return nil, err
		}
		info.Files = files
	}

	expectedPieces := (TotalLength(info) + pieceLength - 1) / pieceLength
	if int64(len(pieces)) != expectedPieces {
		return nil, errors.Wrapf(errs.ErrMetainfoShape,
			"piece count %d does not match ceil(total_length/piece_length) = %d", len(pieces), expectedPieces)
	}

	return info, nil
}

func decodeFiles(v *bencode.Value) ([]FileEntry, error) {
	files := make([]FileEntry, 0, len(v.List))
	for _, item := range v.List {
		if item.Kind != bencode.KindDict {
			return nil, errors.Wrap(errs.ErrMetainfoShape, "file entry must be a dictionary")
		}
		length, err := requireInt(item.Dict, "length")
		if err != nil {
			return nil, err
		}
		pathVal, ok := item.Dict.Get("path")
		if !ok || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
			return nil, errors.Wrap(errs.ErrMetainfoShape, "file entry missing non-empty \"path\" list")
		}
		path := make([]string, len(pathVal.List))
		for i, c := range pathVal.List {
			if c.Kind != bencode.KindString {
				return nil, errors.Wrap(errs.ErrMetainfoShape, "file path component must be a byte string")
			}
			path[i] = string(c.Str)
		}
		entry := FileEntry{Length: length, Path: path}
		if md5v, ok := item.Dict.Get("md5sum"); ok && md5v.Kind == bencode.KindString {
			entry.MD5Sum = string(md5v.Str)
		}
		files = append(files, entry)
	}
	return files, nil
}

func requireString(d *bencode.Dict, key string) ([]byte, error) {
	v, ok := d.Get(key)
	if !ok || v.Kind != bencode.KindString {
		return nil, errors.Wrapf(errs.ErrMetainfoShape, "missing or malformed %q byte string", key)
	}
	return v.Str, nil
}

func requireInt(d *bencode.Dict, key string) (int64, error) {
	v, ok := d.Get(key)
	if !ok || v.Kind != bencode.KindInt {
		return 0, errors.Wrapf(errs.ErrMetainfoShape, "missing or malformed %q integer", key)
	}
	return v.Int, nil
}

// TotalLength returns info.length when present, else the sum of all file
// lengths.
func TotalLength(info *Info) int64 {
	if info.SingleFile {
		return info.Length
	}
	var total int64
	for _, f := range info.Files {
		total += f.Length
	}
	return total
}

// PieceSize returns the byte length of piece i: piece_length for every
// piece except the last, whose size is the remainder (or piece_length if
// the total is an exact multiple).
func PieceSize(info *Info, i int) int64 {
	total := TotalLength(info)
	last := len(info.Pieces) - 1
	if i != last {
		return info.PieceLength
	}
	rem := total % info.PieceLength
	if rem == 0 {
		return info.PieceLength
	}
	return rem
}
