package overlay

import (
	"fmt"
	"io"

	"github.com/libp2p/go-msgio"

	"github.com/demfabris/gistit/internal/gistitpb"
)

// BytesProtocolID is the custom request/response protocol of spec.md
// §4.C item 3.
const BytesProtocolID = "/gistit/fetch/1.0.0"

// MaxResponseBytes is the 50 MB response cap from spec.md §3.
const MaxResponseBytes = 50 * 1024 * 1024

// requestHashLen is the fixed request size: 64 ASCII hex characters,
// unframed (spec.md §6 "request is 64 ASCII bytes").
const requestHashLen = 64

const (
	markerNotFound byte = 0x00
	markerSnippet  byte = 0x01
)

// writeRequest sends the fixed-width hash request.
func writeRequest(w io.Writer, hash string) error {
	if len(hash) != requestHashLen {
		return fmt.Errorf("overlay: hash request must be %d bytes, got %d", requestHashLen, len(hash))
	}
	_, err := io.WriteString(w, hash)
	return err
}

// readRequest reads the fixed-width hash request.
func readRequest(r io.Reader) (string, error) {
	buf := make([]byte, requestHashLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// writeResponse sends either the not-found marker or a length-prefixed,
// marker-tagged Snippet.
func writeResponse(w io.Writer, s *gistitpb.Snippet) error {
	mw := msgio.NewVarintWriter(w)
	if s == nil {
		return mw.WriteMsg([]byte{markerNotFound})
	}
	payload := s.Marshal(nil)
	if len(payload) > MaxResponseBytes-1 {
		return fmt.Errorf("overlay: response of %d bytes exceeds %d byte cap", len(payload), MaxResponseBytes)
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, markerSnippet)
	buf = append(buf, payload...)
	return mw.WriteMsg(buf)
}

// readResponse reads a response frame, returning (nil, nil) for the
// not-found marker.
func readResponse(r io.Reader) (*gistitpb.Snippet, error) {
	mr := msgio.NewVarintReaderSize(r, MaxResponseBytes)
	buf, err := mr.ReadMsg()
	if err != nil {
		return nil, err
	}
	defer mr.ReleaseMsg(buf)
	if len(buf) == 0 || buf[0] == markerNotFound {
		return nil, nil
	}
	return gistitpb.UnmarshalSnippet(buf[1:])
}
