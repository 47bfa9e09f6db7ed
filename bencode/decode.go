package bencode

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/brenix/leech/errs"
)

// Decode parses the bencode value at the start of buf and returns it along
// with the number of bytes consumed. It does not require buf to contain
// exactly one value; callers that need the whole-input contract should use
// DecodeAll.
func Decode(buf []byte) (*Value, int, error) {
	return decodeValue(buf, 0)
}

// DecodeAll decodes exactly one top-level value from buf and fails with
// errs.ErrBencodeTrailingBytes if any bytes remain afterward.
func DecodeAll(buf []byte) (*Value, error) {
	v, n, err := decodeValue(buf, 0)
	if err != nil {
		return nil, err
	}
	if n != len(buf) {
		return nil, errors.Wrapf(errs.ErrBencodeTrailingBytes, "decoded %d of %d bytes", n, len(buf))
	}
	return v, nil
}

func decodeValue(buf []byte, pos int) (*Value, int, error) {
	if pos >= len(buf) {
		return nil, pos, errors.Wrap(errs.ErrBencodeSyntax, "unexpected end of input")
	}
	switch buf[pos] {
	case 'i':
		return decodeInt(buf, pos)
	case 'l':
		return decodeList(buf, pos)
	case 'd':
		return decodeDict(buf, pos)
	default:
		return decodeString(buf, pos)
	}
}

func decodeInt(buf []byte, pos int) (*Value, int, error) {
	end := indexByte(buf, pos+1, 'e')
	if end < 0 {
		return nil, pos, errors.Wrap(errs.ErrBencodeSyntax, "unterminated integer")
	}
	digits := string(buf[pos+1 : end])
	if digits == "" {
		return nil, pos, errors.Wrap(errs.ErrBencodeSyntax, "empty integer")
	}
	if digits != "0" {
		neg := digits[0] == '-'
		d := digits
		if neg {
			d = digits[1:]
		}
		if d == "" || d[0] == '0' {
			return nil, pos, errors.Wrap(errs.ErrBencodeSyntax, "integer has a leading zero")
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, pos, errors.Wrap(errs.ErrBencodeSyntax, "malformed integer")
	}
	return Int(n), end + 1, nil
}

func decodeString(buf []byte, pos int) (*Value, int, error) {
	colon := indexByte(buf, pos, ':')
	if colon < 0 {
		return nil, pos, errors.Wrap(errs.ErrBencodeSyntax, "malformed string length")
	}
	lenDigits := string(buf[pos:colon])
	if lenDigits == "" {
		return nil, pos, errors.Wrap(errs.ErrBencodeSyntax, "missing string length")
	}
	length, err := strconv.Atoi(lenDigits)
	if err != nil || length < 0 {
		return nil, pos, errors.Wrap(errs.ErrBencodeSyntax, "invalid string length")
	}
	start := colon + 1
	end := start + length
	if end > len(buf) {
		return nil, pos, errors.Wrap(errs.ErrBencodeSyntax, "string runs past end of input")
	}
	s := make([]byte, length)
	copy(s, buf[start:end])
	return String(s), end, nil
}

func decodeList(buf []byte, pos int) (*Value, int, error) {
	items := []*Value{}
	i := pos + 1
	for {
		if i >= len(buf) {
			return nil, pos, errors.Wrap(errs.ErrBencodeSyntax, "unterminated list")
		}
		if buf[i] == 'e' {
			return &Value{Kind: KindList, List: items}, i + 1, nil
		}
		v, next, err := decodeValue(buf, i)
		if err != nil {
			return nil, pos, err
		}
		items = append(items, v)
		i = next
	}
}

func decodeDict(buf []byte, pos int) (*Value, int, error) {
	d := NewDict()
	i := pos + 1
	for {
		if i >= len(buf) {
			return nil, pos, errors.Wrap(errs.ErrBencodeSyntax, "unterminated dict")
		}
		if buf[i] == 'e' {
			return DictValue(d), i + 1, nil
		}
		key, next, err := decodeString(buf, i)
		if err != nil {
			return nil, pos, errors.Wrap(errs.ErrBencodeSyntax, "dict key must be a byte string")
		}
		val, next2, err := decodeValue(buf, next)
		if err != nil {
			return nil, pos, err
		}
		d.Set(string(key.Str), val)
		i = next2
	}
}

func indexByte(buf []byte, from int, b byte) int {
	for i := from; i < len(buf); i++ {
		if buf[i] == b {
			return i
		}
	}
	return -1
}
