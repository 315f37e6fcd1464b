package overlay

import (
	"encoding/hex"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ContentID derives the DHT routing key from a wire-level 64-hex-char
// snippet identifier (spec.md §4.C: "256-bit key derived from the
// snippet identifier"). The wire identifier itself never changes shape
// — this exists purely because go-libp2p-kad-dht's provider API takes
// a cid.Cid, not a raw digest.
func ContentID(hash string) (cid.Cid, error) {
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return cid.Undef, fmt.Errorf("overlay: decode hash: %w", err)
	}
	if len(raw) != 32 {
		return cid.Undef, fmt.Errorf("overlay: hash must decode to 32 bytes, got %d", len(raw))
	}
	mh, err := multihash.Encode(raw, multihash.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("overlay: encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// HashFromContentID recovers the 64-hex-char identifier from a CID
// produced by ContentID. ProvidersFound events carry the hex hash
// directly, so the Event Loop does not need it to match them to a
// Pending Fetch.
func HashFromContentID(c cid.Cid) (string, error) {
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return "", fmt.Errorf("overlay: decode multihash: %w", err)
	}
	if len(decoded.Digest) != 32 {
		return "", fmt.Errorf("overlay: digest must be 32 bytes, got %d", len(decoded.Digest))
	}
	return hex.EncodeToString(decoded.Digest), nil
}
