// Package bencode implements a generic bencode value tree: decode, encode,
// and the canonical re-encoding that the metainfo info-digest depends on.
package bencode

import "bytes"

// Kind tags which arm of the Value union is populated.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// Value is a tagged bencode value: integer, byte string, list, or ordered
// dictionary. Dictionary keys are byte strings, never pre-decoded as text —
// the info digest depends on the exact bytes.
type Value struct {
	Kind Kind
	Int  int64
	Str  []byte
	List []*Value
	Dict *Dict
}

// Dict is an ordered mapping from byte-string keys to Values. Order is the
// order keys were inserted (decoding preserves source order; it is not
// required to be sorted until Encode canonicalizes it).
type Dict struct {
	keys    []string
	entries map[string]*Value
}

// NewDict returns an empty ordered dictionary.
func NewDict() *Dict {
	return &Dict{entries: make(map[string]*Value)}
}

// Set inserts or overwrites key. New keys are appended to the insertion
// order; existing keys keep their original position.
func (d *Dict) Set(key string, v *Value) {
	if _, ok := d.entries[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.entries[key] = v
}

// Get returns the value for key and whether it was present.
func (d *Dict) Get(key string) (*Value, bool) {
	v, ok := d.entries[key]
	return v, ok
}

// Keys returns the keys in their current (insertion) order. Callers must
// not mutate the returned slice.
func (d *Dict) Keys() []string {
	return d.keys
}

// Len reports the number of entries.
func (d *Dict) Len() int {
	return len(d.keys)
}

func Int(i int64) *Value          { return &Value{Kind: KindInt, Int: i} }
func String(s []byte) *Value      { return &Value{Kind: KindString, Str: s} }
func StringFrom(s string) *Value  { return String([]byte(s)) }
func List(items ...*Value) *Value { return &Value{Kind: KindList, List: items} }
func DictValue(d *Dict) *Value    { return &Value{Kind: KindDict, Dict: d} }

// Equal reports whether two Values represent the same bencode tree. Dict
// comparison is order-insensitive (two dicts with the same entries in
// different source order are still equal values).
func Equal(a, b *Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindInt:
		return a.Int == b.Int
	case KindString:
		return bytes.Equal(a.Str, b.Str)
	case KindList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !Equal(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if a.Dict.Len() != b.Dict.Len() {
			return false
		}
		for _, k := range a.Dict.Keys() {
			av, _ := a.Dict.Get(k)
			bv, ok := b.Dict.Get(k)
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}
