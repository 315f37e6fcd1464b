// Package gistitpb holds the two frozen wire schemas of the overlay:
// Snippet (the unit of sharing) and Instruction (the IPC control-plane
// tagged union). Both are hand-written against protowire rather than
// generated by protoc, but the bytes they produce are ordinary,
// canonical proto3 — any protoc-generated decoder on another language
// would read them correctly.
package gistitpb

import "fmt"

// InnerFile is one file inside a Snippet.
type InnerFile struct {
	Name string
	Lang string
	Size uint64
	Data string
}

// Snippet is the unit of sharing (spec.md §3).
type Snippet struct {
	Hash        string
	Author      string
	Description string
	Timestamp   string
	Inner       []*InnerFile
}

// InstructionKind discriminates the Instruction oneof without requiring
// a type switch at every call site.
type InstructionKind int

const (
	KindUnset InstructionKind = iota
	KindProvide
	KindFetch
	KindStatus
	KindShutdown
	KindDial
	// 6-8 reserved per spec.md §4.A
	KindProvideResponse InstructionKind = iota + 3
	KindFetchResponse
	KindStatusResponse
)

func (k InstructionKind) String() string {
	switch k {
	case KindProvide:
		return "Provide"
	case KindFetch:
		return "Fetch"
	case KindStatus:
		return "Status"
	case KindShutdown:
		return "Shutdown"
	case KindDial:
		return "Dial"
	case KindProvideResponse:
		return "ProvideResponse"
	case KindFetchResponse:
		return "FetchResponse"
	case KindStatusResponse:
		return "StatusResponse"
	default:
		return "Unset"
	}
}

// StatusResponse mirrors spec.md §4.A's StatusResponse arm.
type StatusResponse struct {
	PeerID             string
	PeerCount          uint32
	PendingConnections uint32
	Hosting            uint32
}

// Instruction is the tagged union exchanged over IPC. Exactly one of the
// Kind-matching fields is meaningful; Kind says which.
type Instruction struct {
	Kind InstructionKind

	Provide Snippet // valid when Kind == KindProvide
	Fetch   string  // hash, valid when Kind == KindFetch
	Dial    string  // multiaddress, valid when Kind == KindDial

	ProvideResponseHash string          // valid (possibly empty meaning none) when Kind == KindProvideResponse
	ProvideResponseOK   bool            // false means the "optional hash" arm is unset
	FetchResponse       *Snippet        // nil means "none", valid when Kind == KindFetchResponse
	Status              *StatusResponse // valid when Kind == KindStatusResponse
}

func (i *Instruction) String() string {
	return fmt.Sprintf("Instruction{Kind: %s}", i.Kind)
}

// NewProvide builds a Provide request instruction.
func NewProvide(s Snippet) *Instruction {
	return &Instruction{Kind: KindProvide, Provide: s}
}

// NewFetch builds a Fetch request instruction.
func NewFetch(hash string) *Instruction {
	return &Instruction{Kind: KindFetch, Fetch: hash}
}

// NewStatus builds a Status request instruction.
func NewStatus() *Instruction { return &Instruction{Kind: KindStatus} }

// NewShutdown builds a Shutdown request instruction.
func NewShutdown() *Instruction { return &Instruction{Kind: KindShutdown} }

// NewDial builds a Dial request instruction.
func NewDial(multiaddr string) *Instruction {
	return &Instruction{Kind: KindDial, Dial: multiaddr}
}

// NewProvideResponse builds a ProvideResponse; ok=false encodes "none".
func NewProvideResponse(hash string, ok bool) *Instruction {
	return &Instruction{Kind: KindProvideResponse, ProvideResponseHash: hash, ProvideResponseOK: ok}
}

// NewFetchResponse builds a FetchResponse; a nil snippet encodes "none".
func NewFetchResponse(s *Snippet) *Instruction {
	return &Instruction{Kind: KindFetchResponse, FetchResponse: s}
}

// NewStatusResponse builds a StatusResponse instruction.
func NewStatusResponse(s StatusResponse) *Instruction {
	return &Instruction{Kind: KindStatusResponse, Status: &s}
}
