// Package identity loads or generates the node's Ed25519 libp2p key
// pair (spec.md §3/§6: "if a key file path is provided, the key is
// read on start and written on first generation; absent a path, the
// key is ephemeral for the process").
package identity

import (
	"crypto/rand"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/demfabris/gistit/internal/errs"
)

// Load reads the key at path, generating and persisting a fresh
// Ed25519 key on first run if path is non-empty and the file does not
// yet exist. An empty path always generates a fresh, unpersisted key.
func Load(path string) (crypto.PrivKey, error) {
	if path == "" {
		return generate()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, errs.Config("identity.unmarshal", err)
		}
		return priv, nil
	case os.IsNotExist(err):
		priv, err := generate()
		if err != nil {
			return nil, err
		}
		if err := persist(path, priv); err != nil {
			return nil, err
		}
		return priv, nil
	default:
		return nil, errs.Config("identity.read", err)
	}
}

func generate() (crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, errs.Config("identity.generate", err)
	}
	return priv, nil
}

func persist(path string, priv crypto.PrivKey) error {
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return errs.Config("identity.marshal", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errs.Config("identity.persist", err)
	}
	return nil
}
