package bencode

import (
	"bytes"
	"sort"
	"strconv"
)

// Encode writes the canonical bencode image of v: integers without leading
// zeros, dictionary keys in ascending byte-lexicographic order regardless
// of v's stored insertion order. encode(decode(b)) == b whenever b was
// already canonical.
func Encode(v *Value) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v *Value) {
	switch v.Kind {
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case KindString:
		buf.WriteString(strconv.Itoa(len(v.Str)))
		buf.WriteByte(':')
		buf.Write(v.Str)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeInto(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := append([]string(nil), v.Dict.Keys()...)
		sort.Strings(keys)
		for _, k := range keys {
			val, _ := v.Dict.Get(k)
			encodeInto(buf, StringFrom(k))
			encodeInto(buf, val)
		}
		buf.WriteByte('e')
	}
}
