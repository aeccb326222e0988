package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/meshcompute/compute-node/internal/model"
)

// ErrKeyMaterial is returned when key material cannot be parsed into a
// usable keypair. It is fatal at startup: the node must not run without a
// valid identity.
var ErrKeyMaterial = errors.New("invalid key material")

// Identity owns the node's keypair for the lifetime of the process. The key
// is read-only after construction and safe to share across signing call
// sites.
type Identity struct {
	priv crypto.PrivKey
	pub  crypto.PubKey
	id   peer.ID
}

// Generate creates a fresh Ed25519 identity.
func Generate() (*Identity, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return fromPrivate(priv)
}

// FromBytes builds an identity from a marshaled private key, as produced by
// Bytes. Malformed or unsupported material yields ErrKeyMaterial.
func FromBytes(raw []byte) (*Identity, error) {
	priv, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	return fromPrivate(priv)
}

func fromPrivate(priv crypto.PrivKey) (*Identity, error) {
	pub := priv.GetPublic()
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: derive peer id: %v", ErrKeyMaterial, err)
	}
	return &Identity{priv: priv, pub: pub, id: id}, nil
}

// LoadOrCreate reads the hex-encoded private key from path, or generates a
// new identity and persists it there when the file does not exist. A file
// that exists but cannot be parsed is a fatal key error, never silently
// replaced.
func LoadOrCreate(path string, logger *zap.Logger) (*Identity, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("%w: key file %s is not hex", ErrKeyMaterial, path)
		}
		id, err := FromBytes(raw)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded node identity",
			zap.String("path", path),
			zap.String("peer_id", id.PeerID().String()))
		return id, nil

	case os.IsNotExist(err):
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		raw, err := id.Bytes()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)), 0o600); err != nil {
			return nil, fmt.Errorf("persist identity: %w", err)
		}
		logger.Info("Generated node identity",
			zap.String("path", path),
			zap.String("peer_id", id.PeerID().String()))
		return id, nil

	default:
		return nil, fmt.Errorf("read key file: %w", err)
	}
}

// Bytes returns the marshaled private key for persistence. Never logged.
func (i *Identity) Bytes() ([]byte, error) {
	return crypto.MarshalPrivateKey(i.priv)
}

// PrivKey exposes the private key for the transport layer's host identity.
func (i *Identity) PrivKey() crypto.PrivKey {
	return i.priv
}

// PublicKey returns the node's public key.
func (i *Identity) PublicKey() crypto.PubKey {
	return i.pub
}

// PeerID returns the stable peer identifier derived from the public key
// (the libp2p multihash of the public key).
func (i *Identity) PeerID() peer.ID {
	return i.id
}

// Sign signs the payload with the node key. It does not fail for well-formed
// input given a valid loaded key.
func (i *Identity) Sign(data []byte) (model.Signature, error) {
	sig, err := i.priv.Sign(data)
	if err != nil {
		return model.Signature{}, fmt.Errorf("sign payload: %w", err)
	}
	return model.Signature{
		Scheme: i.priv.Type().String(),
		Data:   sig,
	}, nil
}

// Verify reports whether sig is a valid signature over data by pub. It is a
// pure function: mismatched schemes, tampered payloads and malformed
// signatures all return false, never an error or a panic.
func Verify(pub crypto.PubKey, data []byte, sig model.Signature) bool {
	if pub == nil || sig.IsZero() {
		return false
	}
	if sig.Scheme != pub.Type().String() {
		return false
	}
	ok, err := pub.Verify(data, sig.Data)
	return err == nil && ok
}
