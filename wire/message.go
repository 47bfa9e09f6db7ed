// Package wire implements the length-prefixed message codec and the
// fixed-layout handshake/request/piece records of the BitTorrent peer
// wire protocol.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/brenix/leech/errs"
)

// Tag identifies a message's type.
type Tag uint8

const (
	TagChoke         Tag = 0
	TagUnchoke       Tag = 1
	TagInterested    Tag = 2
	TagNotInterested Tag = 3
	TagHave          Tag = 4
	TagBitfield      Tag = 5
	TagRequest       Tag = 6
	TagPiece         Tag = 7
	TagCancel        Tag = 8
)

// maxFrameLength bounds a frame's declared payload length as an anti-DoS
// measure; every payload we emit or handle fits comfortably under it.
const maxFrameLength = 1 << 16

// Message is a single decoded peer-wire frame (the keep-alive frame
// decodes to a nil *Message, not an empty one).
type Message struct {
	Tag     Tag
	Payload []byte
}

// ErrNeedMore indicates the buffer does not yet contain a whole frame.
var ErrNeedMore = errors.New("wire: need more bytes")

func isKnownTag(tag Tag) bool {
	return tag <= TagCancel
}

// DecodeFrame decodes the single frame at the start of buf. It returns the
// message (nil for a keep-alive), the number of bytes consumed, and an
// error. On ErrNeedMore the buffer is left untouched by the caller — no
// partial state is retained between calls.
func DecodeFrame(buf []byte) (*Message, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrNeedMore
	}
	length := binary.BigEndian.Uint32(buf[:4])
	if length == 0 {
		return nil, 4, nil // keep-alive
	}
	if length > maxFrameLength {
		return nil, 0, errors.Wrapf(errs.ErrProtocolInvalid, "frame length %d exceeds maximum %d", length, maxFrameLength)
	}
	total := 4 + int(length)
	if len(buf) < total {
		return nil, 0, ErrNeedMore
	}
	tag := Tag(buf[4])
	if !isKnownTag(tag) {
		return nil, 0, errors.Wrapf(errs.ErrProtocolInvalid, "unknown message tag %d", tag)
	}
	payload := make([]byte, length-1)
	copy(payload, buf[5:total])
	return &Message{Tag: tag, Payload: payload}, total, nil
}

// Serialize returns the wire image of m: a 4-byte big-endian length prefix
// followed by the tag byte and payload.
func (m *Message) Serialize() []byte {
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.Tag)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads one frame from r, skipping keep-alives by returning a
// nil *Message and nil error.
func ReadMessage(r io.Reader) (*Message, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return nil, err
	}
	return ReadMessageFrom(r, first[0])
}

// ReadMessageFrom reads the remainder of one frame from r, given that the
// first byte of its 4-byte length prefix has already been consumed as
// firstByte. Callers that need a cancelable read without risking a desync
// of the framed stream can poll for that first byte one at a time (a
// single-byte read either arrives whole or not at all) and only commit to
// reading the rest of the frame once it has.
func ReadMessageFrom(r io.Reader, firstByte byte) (*Message, error) {
	lengthBuf := make([]byte, 4)
	lengthBuf[0] = firstByte
	if _, err := io.ReadFull(r, lengthBuf[1:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf)
	if length == 0 {
		return nil, nil
	}
	if length > maxFrameLength {
		return nil, errors.Wrapf(errs.ErrProtocolInvalid, "frame length %d exceeds maximum %d", length, maxFrameLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	tag := Tag(body[0])
	if !isKnownTag(tag) {
		return nil, errors.Wrapf(errs.ErrProtocolInvalid, "unknown message tag %d", tag)
	}
	return &Message{Tag: tag, Payload: body[1:]}, nil
}

// WriteMessage writes m's wire image to w.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := w.Write(m.Serialize())
	return err
}

// Simple no-payload message constructors.
func ChokeMsg() *Message         { return &Message{Tag: TagChoke} }
func UnchokeMsg() *Message       { return &Message{Tag: TagUnchoke} }
func InterestedMsg() *Message    { return &Message{Tag: TagInterested} }
func NotInterestedMsg() *Message { return &Message{Tag: TagNotInterested} }

// HaveMsg builds a Have message for piece index.
func HaveMsg(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{Tag: TagHave, Payload: payload}
}

// ParseHave extracts the piece index from a Have message.
func ParseHave(m *Message) (uint32, error) {
	if m.Tag != TagHave {
		return 0, errors.Wrapf(errs.ErrProtocolUnexpected, "expected Have, got tag %d", m.Tag)
	}
	if len(m.Payload) != 4 {
		return 0, errors.Wrapf(errs.ErrProtocolInvalid, "Have payload length %d, want 4", len(m.Payload))
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// BitfieldMsg builds a Bitfield message.
func BitfieldMsg(bits []byte) *Message {
	return &Message{Tag: TagBitfield, Payload: bits}
}

// RequestMsg builds a Request message for a block.
func RequestMsg(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return &Message{Tag: TagRequest, Payload: payload}
}

// ParseRequest extracts index/begin/length from a Request (or Cancel)
// message.
func ParseRequest(m *Message) (index, begin, length uint32, err error) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, errors.Wrapf(errs.ErrProtocolInvalid, "request payload length %d, want 12", len(m.Payload))
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	length = binary.BigEndian.Uint32(m.Payload[8:12])
	return index, begin, length, nil
}

// PieceMsg builds a Piece message: index(4) || begin(4) || block.
func PieceMsg(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return &Message{Tag: TagPiece, Payload: payload}
}

// ParsePiece extracts index, begin, and the block bytes from a Piece
// message. The block is payload[8:] — the header occupies the first 8
// bytes (see spec.md §9's Open Question on the correct slicing direction).
func ParsePiece(m *Message) (index, begin uint32, block []byte, err error) {
	if m.Tag != TagPiece {
		return 0, 0, nil, errors.Wrapf(errs.ErrProtocolUnexpected, "expected Piece, got tag %d", m.Tag)
	}
	if len(m.Payload) < 8 {
		return 0, 0, nil, errors.Wrapf(errs.ErrProtocolInvalid, "piece payload length %d, want at least 8", len(m.Payload))
	}
	index = binary.BigEndian.Uint32(m.Payload[0:4])
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	block = m.Payload[8:]
	return index, begin, block, nil
}
