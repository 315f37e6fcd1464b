package gistitpb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers. InnerFile and Snippet are frozen per spec.md §4.A;
// Instruction's oneof arms use the tag numbers spec.md assigns,
// reserving 6-8 for future arms without renumbering.
const (
	fieldInnerName = protowire.Number(1)
	fieldInnerLang = protowire.Number(2)
	fieldInnerSize = protowire.Number(3)
	fieldInnerData = protowire.Number(4)

	fieldSnippetHash        = protowire.Number(1)
	fieldSnippetAuthor      = protowire.Number(2)
	fieldSnippetDescription = protowire.Number(3)
	fieldSnippetTimestamp   = protowire.Number(4)
	fieldSnippetInner       = protowire.Number(5)

	tagProvide  = protowire.Number(1)
	tagFetch    = protowire.Number(2)
	tagStatus   = protowire.Number(3)
	tagShutdown = protowire.Number(4)
	tagDial     = protowire.Number(5)
	// 6, 7, 8 reserved.
	tagProvideResponse = protowire.Number(9)
	tagFetchResponse   = protowire.Number(10)
	tagStatusResponse  = protowire.Number(11)

	fieldProvideRespHash = protowire.Number(1)
	fieldProvideRespOK   = protowire.Number(2)

	fieldFetchRespSnippet = protowire.Number(1)

	fieldStatusRespPeerID   = protowire.Number(1)
	fieldStatusRespPeers    = protowire.Number(2)
	fieldStatusRespPending  = protowire.Number(3)
	fieldStatusRespHosting  = protowire.Number(4)
)

// Marshal appends the canonical encoding of f onto dst, in field order.
func (f *InnerFile) Marshal(dst []byte) []byte {
	dst = protowire.AppendTag(dst, fieldInnerName, protowire.BytesType)
	dst = protowire.AppendString(dst, f.Name)
	dst = protowire.AppendTag(dst, fieldInnerLang, protowire.BytesType)
	dst = protowire.AppendString(dst, f.Lang)
	dst = protowire.AppendTag(dst, fieldInnerSize, protowire.VarintType)
	dst = protowire.AppendVarint(dst, f.Size)
	dst = protowire.AppendTag(dst, fieldInnerData, protowire.BytesType)
	dst = protowire.AppendString(dst, f.Data)
	return dst
}

func unmarshalInnerFile(b []byte) (*InnerFile, error) {
	f := &InnerFile{}
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		switch {
		case num == fieldInnerName && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			f.Name, b = string(v), b[n:]
		case num == fieldInnerLang && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			f.Lang, b = string(v), b[n:]
		case num == fieldInnerSize && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return nil, err
			}
			f.Size, b = v, b[n:]
		case num == fieldInnerData && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			f.Data, b = string(v), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return f, nil
}

// Marshal appends the canonical encoding of s onto dst.
func (s *Snippet) Marshal(dst []byte) []byte {
	dst = protowire.AppendTag(dst, fieldSnippetHash, protowire.BytesType)
	dst = protowire.AppendString(dst, s.Hash)
	dst = protowire.AppendTag(dst, fieldSnippetAuthor, protowire.BytesType)
	dst = protowire.AppendString(dst, s.Author)
	dst = protowire.AppendTag(dst, fieldSnippetDescription, protowire.BytesType)
	dst = protowire.AppendString(dst, s.Description)
	dst = protowire.AppendTag(dst, fieldSnippetTimestamp, protowire.BytesType)
	dst = protowire.AppendString(dst, s.Timestamp)
	for _, inner := range s.Inner {
		dst = protowire.AppendTag(dst, fieldSnippetInner, protowire.BytesType)
		dst = protowire.AppendBytes(dst, inner.Marshal(nil))
	}
	return dst
}

// UnmarshalSnippet decodes a bare Snippet message, without the
// Instruction oneof envelope — used by the bytes request/response
// protocol, which carries a Snippet directly rather than wrapped in an
// Instruction.
func UnmarshalSnippet(b []byte) (*Snippet, error) {
	return unmarshalSnippet(b)
}

func unmarshalSnippet(b []byte) (*Snippet, error) {
	s := &Snippet{}
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		switch {
		case num == fieldSnippetHash && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			s.Hash, b = string(v), b[n:]
		case num == fieldSnippetAuthor && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			s.Author, b = string(v), b[n:]
		case num == fieldSnippetDescription && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			s.Description, b = string(v), b[n:]
		case num == fieldSnippetTimestamp && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			s.Timestamp, b = string(v), b[n:]
		case num == fieldSnippetInner && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			inner, err := unmarshalInnerFile(v)
			if err != nil {
				return nil, err
			}
			s.Inner = append(s.Inner, inner)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return s, nil
}

// Marshal encodes the Instruction as a canonical protobuf message. Exactly
// one oneof arm is emitted, matching i.Kind.
func (i *Instruction) Marshal() ([]byte, error) {
	var dst []byte
	switch i.Kind {
	case KindProvide:
		dst = protowire.AppendTag(dst, tagProvide, protowire.BytesType)
		dst = protowire.AppendBytes(dst, i.Provide.Marshal(nil))
	case KindFetch:
		dst = protowire.AppendTag(dst, tagFetch, protowire.BytesType)
		dst = protowire.AppendString(dst, i.Fetch)
	case KindStatus:
		dst = protowire.AppendTag(dst, tagStatus, protowire.BytesType)
		dst = protowire.AppendBytes(dst, nil)
	case KindShutdown:
		dst = protowire.AppendTag(dst, tagShutdown, protowire.BytesType)
		dst = protowire.AppendBytes(dst, nil)
	case KindDial:
		dst = protowire.AppendTag(dst, tagDial, protowire.BytesType)
		dst = protowire.AppendString(dst, i.Dial)
	case KindProvideResponse:
		var inner []byte
		if i.ProvideResponseOK {
			inner = protowire.AppendTag(inner, fieldProvideRespHash, protowire.BytesType)
			inner = protowire.AppendString(inner, i.ProvideResponseHash)
			inner = protowire.AppendTag(inner, fieldProvideRespOK, protowire.VarintType)
			inner = protowire.AppendVarint(inner, 1)
		}
		dst = protowire.AppendTag(dst, tagProvideResponse, protowire.BytesType)
		dst = protowire.AppendBytes(dst, inner)
	case KindFetchResponse:
		var inner []byte
		if i.FetchResponse != nil {
			inner = protowire.AppendTag(inner, fieldFetchRespSnippet, protowire.BytesType)
			inner = protowire.AppendBytes(inner, i.FetchResponse.Marshal(nil))
		}
		dst = protowire.AppendTag(dst, tagFetchResponse, protowire.BytesType)
		dst = protowire.AppendBytes(dst, inner)
	case KindStatusResponse:
		if i.Status == nil {
			return nil, fmt.Errorf("gistitpb: StatusResponse kind with nil Status")
		}
		var inner []byte
		inner = protowire.AppendTag(inner, fieldStatusRespPeerID, protowire.BytesType)
		inner = protowire.AppendString(inner, i.Status.PeerID)
		inner = protowire.AppendTag(inner, fieldStatusRespPeers, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(i.Status.PeerCount))
		inner = protowire.AppendTag(inner, fieldStatusRespPending, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(i.Status.PendingConnections))
		inner = protowire.AppendTag(inner, fieldStatusRespHosting, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(i.Status.Hosting))
		dst = protowire.AppendTag(dst, tagStatusResponse, protowire.BytesType)
		dst = protowire.AppendBytes(dst, inner)
	default:
		return nil, fmt.Errorf("gistitpb: cannot marshal Instruction with unset oneof")
	}
	return dst, nil
}

// Unmarshal decodes buf into a fresh Instruction. A frame whose oneof is
// unset, or whose inner message fails to parse, is rejected. The
// snippet field ranges are not checked here; snippet.Validate checks
// them when the Event Loop handles a Provide.
func Unmarshal(buf []byte) (*Instruction, error) {
	i := &Instruction{}
	b := buf
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]

		switch num {
		case tagProvide:
			s, err := unmarshalSnippet(v)
			if err != nil {
				return nil, err
			}
			i.Kind, i.Provide = KindProvide, *s
		case tagFetch:
			i.Kind, i.Fetch = KindFetch, string(v)
		case tagStatus:
			i.Kind = KindStatus
		case tagShutdown:
			i.Kind = KindShutdown
		case tagDial:
			i.Kind, i.Dial = KindDial, string(v)
		case tagProvideResponse:
			hash, ok, err := unmarshalProvideResponse(v)
			if err != nil {
				return nil, err
			}
			i.Kind, i.ProvideResponseHash, i.ProvideResponseOK = KindProvideResponse, hash, ok
		case tagFetchResponse:
			snip, err := unmarshalFetchResponse(v)
			if err != nil {
				return nil, err
			}
			i.Kind, i.FetchResponse = KindFetchResponse, snip
		case tagStatusResponse:
			st, err := unmarshalStatusResponse(v)
			if err != nil {
				return nil, err
			}
			i.Kind, i.Status = KindStatusResponse, st
		default:
			// Unknown field number within a future-reserved range; ignore.
		}
	}
	if i.Kind == KindUnset {
		return nil, fmt.Errorf("gistitpb: frame has no oneof arm set")
	}
	return i, nil
}

func unmarshalProvideResponse(b []byte) (hash string, ok bool, err error) {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return "", false, err
		}
		b = b[n:]
		switch {
		case num == fieldProvideRespHash && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return "", false, err
			}
			hash, b = string(v), b[n:]
		case num == fieldProvideRespOK && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return "", false, err
			}
			ok, b = v != 0, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", false, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return hash, ok, nil
}

func unmarshalFetchResponse(b []byte) (*Snippet, error) {
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		if num == fieldFetchRespSnippet && typ == protowire.BytesType {
			v, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			return unmarshalSnippet(v)
		}
		n2 := protowire.ConsumeFieldValue(num, typ, b)
		if n2 < 0 {
			return nil, protowire.ParseError(n2)
		}
		b = b[n2:]
	}
	return nil, nil
}

func unmarshalStatusResponse(b []byte) (*StatusResponse, error) {
	st := &StatusResponse{}
	for len(b) > 0 {
		num, typ, n, err := consumeTag(b)
		if err != nil {
			return nil, err
		}
		b = b[n:]
		switch {
		case num == fieldStatusRespPeerID && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			st.PeerID, b = string(v), b[n:]
		case num == fieldStatusRespPeers && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return nil, err
			}
			st.PeerCount, b = uint32(v), b[n:]
		case num == fieldStatusRespPending && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return nil, err
			}
			st.PendingConnections, b = uint32(v), b[n:]
		case num == fieldStatusRespHosting && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			if err != nil {
				return nil, err
			}
			st.Hosting, b = uint32(v), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return st, nil
}

func consumeTag(b []byte) (protowire.Number, protowire.Type, int, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return 0, 0, 0, protowire.ParseError(n)
	}
	return num, typ, n, nil
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
