package gistitpb

import (
	"bytes"
	"io"

	"github.com/libp2p/go-msgio"
)

// MaxFrameBytes is the IPC frame ceiling from spec.md §4.B/§6: 64 KiB,
// measured on the encoded protobuf payload before the varint length
// prefix is added.
const MaxFrameBytes = 64 * 1024

// ErrFrameTooLarge is returned by WriteFrame when an encoded Instruction
// would exceed MaxFrameBytes.
var ErrFrameTooLarge = errFrameTooLarge{}

type errFrameTooLarge struct{}

func (errFrameTooLarge) Error() string { return "gistitpb: frame exceeds 64 KiB ceiling" }

// WriteFrame encodes i and writes it to w as a single varint
// length-prefixed msgio frame.
func WriteFrame(w io.Writer, i *Instruction) error {
	buf, err := i.Marshal()
	if err != nil {
		return err
	}
	if len(buf) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	mw := msgio.NewVarintWriter(w)
	return mw.WriteMsg(buf)
}

// ReadFrame reads a single varint length-prefixed msgio frame from r and
// decodes it into an Instruction.
func ReadFrame(r io.Reader) (*Instruction, error) {
	mr := msgio.NewVarintReaderSize(r, MaxFrameBytes)
	buf, err := mr.ReadMsg()
	if err != nil {
		return nil, err
	}
	defer mr.ReleaseMsg(buf)
	return Unmarshal(buf)
}

// EncodeFrame is WriteFrame against an in-memory buffer — the shape the
// IPC endpoint needs, since a single datagram must be built as one
// contiguous byte slice before being handed to a single Write call
// (see internal/ipc for why: unixgram sockets don't support the
// two-phase length-then-payload read a raw stream framer assumes).
func EncodeFrame(i *Instruction) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, i); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFrame is ReadFrame against an already fully-read datagram.
func DecodeFrame(b []byte) (*Instruction, error) {
	return ReadFrame(bytes.NewReader(b))
}
