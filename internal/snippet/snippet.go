// Package snippet implements the data model of spec.md §3: the Snippet
// Payload's validation rules, its canonical content-derived hash, and
// the Hosted Set the Event Loop owns exclusively.
package snippet

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"

	"github.com/demfabris/gistit/internal/errs"
	"github.com/demfabris/gistit/internal/gistitpb"
)

const (
	MinAuthorLen      = 3
	MaxAuthorLen      = 50
	MinDescriptionLen = 10
	MaxDescriptionLen = 100
	MinInnerSize      = 20
	MaxInnerSize      = 50 * 1024 * 1024
	HashLen           = 64
)

var hexHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

// InnerFile is one file inside a Payload.
type InnerFile struct {
	Name string
	Lang string
	Size uint64
	Data string
}

// Payload is the Snippet Payload of spec.md §3.
type Payload struct {
	Hash        string
	Author      string
	Description string
	Timestamp   string
	Inner       []InnerFile
}

// FromWire converts a decoded gistitpb.Snippet into a Payload, without
// validating it — callers must call Validate separately so the Event
// Loop can decide what to do with a rejected payload (spec.md §4.D
// Provide handling).
func FromWire(s *gistitpb.Snippet) Payload {
	p := Payload{
		Hash:        s.Hash,
		Author:      s.Author,
		Description: s.Description,
		Timestamp:   s.Timestamp,
		Inner:       make([]InnerFile, len(s.Inner)),
	}
	for i, f := range s.Inner {
		p.Inner[i] = InnerFile{Name: f.Name, Lang: f.Lang, Size: f.Size, Data: f.Data}
	}
	return p
}

// ToWire converts a Payload into the wire Snippet type.
func (p Payload) ToWire() *gistitpb.Snippet {
	s := &gistitpb.Snippet{
		Hash:        p.Hash,
		Author:      p.Author,
		Description: p.Description,
		Timestamp:   p.Timestamp,
		Inner:       make([]*gistitpb.InnerFile, len(p.Inner)),
	}
	for i, f := range p.Inner {
		s.Inner[i] = &gistitpb.InnerFile{Name: f.Name, Lang: f.Lang, Size: f.Size, Data: f.Data}
	}
	return s
}

// Validate checks every range invariant from spec.md §3. For Hash it
// checks only the shape (64 lowercase hex characters); whether the hash
// matches the content is not checked here — use CanonicalHash and
// compare separately, since a Provide request's caller-supplied hash
// must be cross-checked against the content-derived one (spec.md §4.D).
func Validate(p Payload) error {
	if !hexHash.MatchString(p.Hash) {
		return errs.Validation("hash", fmt.Errorf("hash must be %d lowercase hex characters, got %d", HashLen, len(p.Hash)))
	}
	if n := len(p.Author); n < MinAuthorLen || n > MaxAuthorLen {
		return errs.Validation("author", fmt.Errorf("author length %d outside [%d,%d]", n, MinAuthorLen, MaxAuthorLen))
	}
	if n := len(p.Description); n != 0 && (n < MinDescriptionLen || n > MaxDescriptionLen) {
		return errs.Validation("description", fmt.Errorf("description length %d outside [%d,%d]", n, MinDescriptionLen, MaxDescriptionLen))
	}
	if len(p.Inner) == 0 {
		return errs.Validation("inner", fmt.Errorf("inner file sequence must be non-empty"))
	}
	for idx, f := range p.Inner {
		if f.Name == "" {
			return errs.Validation("inner.name", fmt.Errorf("inner[%d]: name must be non-empty", idx))
		}
		if f.Size < MinInnerSize || f.Size > MaxInnerSize {
			return errs.Validation("inner.size", fmt.Errorf("inner[%d]: size %d outside [%d,%d]", idx, f.Size, MinInnerSize, MaxInnerSize))
		}
		if uint64(len(f.Data)) != f.Size {
			return errs.Validation("inner.size", fmt.Errorf("inner[%d]: declared size %d does not match data length %d", idx, f.Size, len(f.Data)))
		}
	}
	return nil
}

// CanonicalHash computes the content-derived identifier described in
// SPEC_FULL.md §3: sha256 over the length-prefixed concatenation of
// author, description, timestamp, then each inner file's
// name/lang/size/data, in that fixed order. Freezing this order is what
// lets two independent nodes agree on the same identifier for the same
// content (spec.md §9 open question).
func CanonicalHash(p Payload) string {
	h := sha256.New()
	writeField(h, []byte(p.Author))
	writeField(h, []byte(p.Description))
	writeField(h, []byte(p.Timestamp))
	for _, f := range p.Inner {
		writeField(h, []byte(f.Name))
		writeField(h, []byte(f.Lang))
		var sz [8]byte
		binary.BigEndian.PutUint64(sz[:], f.Size)
		h.Write(sz[:])
		writeField(h, []byte(f.Data))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h interface{ Write([]byte) (int, error) }, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// HostedSet is the in-memory identifier -> Payload mapping this node
// serves (spec.md §3). It is exclusive to the Event Loop; the zero
// value's mutex exists only so tests can drive it from multiple
// goroutines without racing — production code never calls it
// concurrently, since the Event Loop is single-threaded (SPEC_FULL.md §5).
type HostedSet struct {
	mu    sync.RWMutex
	items map[string]Payload
}

// NewHostedSet returns an empty Hosted Set.
func NewHostedSet() *HostedSet {
	return &HostedSet{items: make(map[string]Payload)}
}

// Put inserts or overwrites p under p.Hash (spec.md §4.D: overwrite
// allowed, idempotent).
func (s *HostedSet) Put(p Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[p.Hash] = p
}

// Get returns the payload for hash, if hosted.
func (s *HostedSet) Get(hash string) (Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.items[hash]
	return p, ok
}

// Len is the cardinality backing StatusResponse.hosting (invariant 3,
// spec.md §8).
func (s *HostedSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Hashes returns a snapshot of every hosted identifier.
func (s *HostedSet) Hashes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for h := range s.items {
		out = append(out, h)
	}
	return out
}
