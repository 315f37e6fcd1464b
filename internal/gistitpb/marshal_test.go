package gistitpb

import (
	"bytes"
	"testing"
)

func sampleSnippet() Snippet {
	return Snippet{
		Hash:        "aa" + repeat("a", 62),
		Author:      "bob",
		Description: "",
		Timestamp:   "1700000000000",
		Inner: []*InnerFile{
			{Name: "a.txt", Lang: "text", Size: 21, Data: "helloworldhelloworldx"},
		},
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n)
	for len(out) < n {
		out = append(out, s...)
	}
	return string(out[:n])
}

func TestInstructionRoundTripProvide(t *testing.T) {
	want := NewProvide(sampleSnippet())
	buf, err := want.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != KindProvide {
		t.Fatalf("kind = %v, want KindProvide", got.Kind)
	}
	if got.Provide.Hash != want.Provide.Hash || got.Provide.Author != want.Provide.Author {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got.Provide, want.Provide)
	}
	if len(got.Provide.Inner) != 1 || got.Provide.Inner[0].Data != "helloworldhelloworldx" {
		t.Fatalf("inner mismatch: %+v", got.Provide.Inner)
	}

	// decode-then-encode determinism
	buf2, err := got.Marshal()
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if !bytes.Equal(buf, buf2) {
		t.Fatalf("canonical encoding not stable:\n%x\n%x", buf, buf2)
	}
}

func TestInstructionRoundTripFetch(t *testing.T) {
	want := NewFetch("bb" + repeat("b", 62))
	buf, err := want.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != KindFetch || got.Fetch != want.Fetch {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestInstructionRoundTripStatusAndShutdown(t *testing.T) {
	for _, want := range []*Instruction{NewStatus(), NewShutdown()} {
		buf, err := want.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		got, err := Unmarshal(buf)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Kind != want.Kind {
			t.Fatalf("got %v, want %v", got.Kind, want.Kind)
		}
	}
}

func TestInstructionRoundTripResponses(t *testing.T) {
	pr := NewProvideResponse("aa"+repeat("a", 62), true)
	buf, _ := pr.Marshal()
	got, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("unmarshal provide response: %v", err)
	}
	if !got.ProvideResponseOK || got.ProvideResponseHash != pr.ProvideResponseHash {
		t.Fatalf("provide response mismatch: %+v", got)
	}

	none := NewProvideResponse("", false)
	buf, _ = none.Marshal()
	got, err = Unmarshal(buf)
	if err != nil {
		t.Fatalf("unmarshal none provide response: %v", err)
	}
	if got.ProvideResponseOK {
		t.Fatalf("expected none provide response, got ok=true")
	}

	s := sampleSnippet()
	fr := NewFetchResponse(&s)
	buf, _ = fr.Marshal()
	got, err = Unmarshal(buf)
	if err != nil {
		t.Fatalf("unmarshal fetch response: %v", err)
	}
	if got.FetchResponse == nil || got.FetchResponse.Hash != s.Hash {
		t.Fatalf("fetch response mismatch: %+v", got.FetchResponse)
	}

	frNone := NewFetchResponse(nil)
	buf, _ = frNone.Marshal()
	got, err = Unmarshal(buf)
	if err != nil {
		t.Fatalf("unmarshal none fetch response: %v", err)
	}
	if got.FetchResponse != nil {
		t.Fatalf("expected nil fetch response, got %+v", got.FetchResponse)
	}

	sr := NewStatusResponse(StatusResponse{PeerID: "Qm123", PeerCount: 3, PendingConnections: 1, Hosting: 2})
	buf, _ = sr.Marshal()
	got, err = Unmarshal(buf)
	if err != nil {
		t.Fatalf("unmarshal status response: %v", err)
	}
	if got.Status == nil || got.Status.Hosting != 2 || got.Status.PeerCount != 3 {
		t.Fatalf("status response mismatch: %+v", got.Status)
	}
}

func TestUnmarshalRejectsUnsetOneof(t *testing.T) {
	if _, err := Unmarshal(nil); err == nil {
		t.Fatalf("expected error decoding empty frame")
	}
}

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	want := NewFetch("cc" + repeat("c", 62))
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Fetch != want.Fetch {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
