package vlc

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"

	"github.com/cespare/xxhash"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/NagaraTech/chronos/protocol"
)

var (
	ErrSrcUnknown = errors.New("issuer key unknown")
	ErrBadKey     = errors.New("bad public key")
)

// NodeIDFromKey derives a replica id from a compressed secp256k1
// public key. The id is a locator only; the key is the authority.
func NodeIDFromKey(compressed []byte) NodeID {
	return NodeID(xxhash.Sum64(compressed))
}

// Identity is a replica's signing identity.
type Identity struct {
	Priv *ecdsa.PrivateKey
	Node NodeID
}

func NewIdentity() (*Identity, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	pub := crypto.CompressPubkey(&priv.PublicKey)
	return &Identity{Priv: priv, Node: NodeIDFromKey(pub)}, nil
}

func IdentityFromHex(s string) (*Identity, error) {
	priv, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, err
	}
	pub := crypto.CompressPubkey(&priv.PublicKey)
	return &Identity{Priv: priv, Node: NodeIDFromKey(pub)}, nil
}

func (id *Identity) Hex() string {
	return hex.EncodeToString(crypto.FromECDSA(id.Priv))
}

func (id *Identity) PubKey() []byte {
	return crypto.CompressPubkey(&id.Priv.PublicKey)
}

func (id *Identity) Sign(d Digest) ([]byte, error) {
	return crypto.Sign(d[:], id.Priv)
}

// Keyring maps replica ids to their public keys. Keys arrive out of
// band: from the node config or a peer handshake. Registration is
// first-write-wins; an id can never be rebound to a different key.
type Keyring struct {
	keys *xsync.MapOf[NodeID, []byte]
}

func NewKeyring() *Keyring {
	return &Keyring{keys: xsync.NewMapOf[NodeID, []byte]()}
}

// Register validates and stores a compressed public key, returning
// the derived replica id.
func (kr *Keyring) Register(compressed []byte) (NodeID, error) {
	if _, err := crypto.DecompressPubkey(compressed); err != nil {
		return 0, errors.Join(ErrBadKey, err)
	}
	src := NodeIDFromKey(compressed)
	key := make([]byte, len(compressed))
	copy(key, compressed)
	kr.keys.LoadOrStore(src, key)
	return src, nil
}

func (kr *Keyring) Lookup(src NodeID) ([]byte, bool) {
	return kr.keys.Load(src)
}

func (kr *Keyring) Len() int {
	return kr.keys.Size()
}

// TLV encodes the ring as K records for the handshake advertisement.
func (kr *Keyring) TLV() (ret []byte) {
	kr.keys.Range(func(_ NodeID, key []byte) bool {
		ret = protocol.Append(ret, 'K', key)
		return true
	})
	return
}

// PutTLV registers every advertised key, skipping invalid ones.
func (kr *Keyring) PutTLV(rec []byte) (added int) {
	rest := rec
	for len(rest) > 0 {
		var key []byte
		key, rest = protocol.Take('K', rest)
		if key == nil {
			break
		}
		if _, err := kr.Register(key); err == nil {
			added++
		}
	}
	return
}
