// Package crypto implements the core's crypto primitives (spec.md §4.1):
// digests, key generation, signing and verification across a small set of
// tagged signature schemes, and address derivation. Schemes are dispatched
// through a registry rather than an interface hierarchy, mirroring the
// teacher's parallel crypto/ed25519, crypto/secp256k1, crypto/uno packages
// behind one dispatch surface (see DESIGN.md).
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/mondoshawan/mondo-core/internal/chain"
)

// Scheme tags a signature algorithm. Concrete choice is pluggable: CLASSIC
// and PQ1 ship with the core; PQ2 is a registrable slot for an external,
// post-quantum collaborator (spec.md §4.1, §9).
type Scheme uint8

const (
	Classic Scheme = iota // Ed25519
	PQ1                   // secp256k1 / ECDSA
	PQ2                   // externally registered
)

func (s Scheme) String() string {
	switch s {
	case Classic:
		return "CLASSIC"
	case PQ1:
		return "PQ1"
	case PQ2:
		return "PQ2"
	default:
		return "UNKNOWN"
	}
}

// PubKey and SecKey are opaque byte blobs; their interpretation is
// scheme-specific.
type PubKey []byte
type SecKey []byte
type Sig []byte

// Digest computes the 256-bit Keccak digest of bytes, per spec.md §4.1.
func Digest(b []byte) chain.Digest {
	var d chain.Digest
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	h.Sum(d[:0])
	return d
}

// schemeImpl is the per-scheme plug-in surface. verify must be a total,
// panic-free function.
type schemeImpl struct {
	keygen func() (PubKey, SecKey, error)
	sign   func(SecKey, []byte) (Sig, error)
	verify func(PubKey, []byte, Sig) bool
}

var registry = map[Scheme]*schemeImpl{
	Classic: {keygen: classicKeygen, sign: classicSign, verify: classicVerify},
	PQ1:     {keygen: pq1Keygen, sign: pq1Sign, verify: pq1Verify},
}

// RegisterScheme installs (or replaces) the implementation for a scheme tag,
// used to wire PQ2 (or to swap CLASSIC/PQ1 for a test double). It is the
// caller's responsibility to ensure verify is pure and total.
func RegisterScheme(s Scheme, keygen func() (PubKey, SecKey, error), sign func(SecKey, []byte) (Sig, error), verify func(PubKey, []byte, Sig) bool) {
	registry[s] = &schemeImpl{keygen: keygen, sign: sign, verify: verify}
}

func implFor(s Scheme) (*schemeImpl, error) {
	impl, ok := registry[s]
	if !ok || impl == nil {
		return nil, fmt.Errorf("crypto: no implementation registered for scheme %s", s)
	}
	return impl, nil
}

// Keygen generates a fresh key pair for scheme.
func Keygen(s Scheme) (PubKey, SecKey, error) {
	impl, err := implFor(s)
	if err != nil {
		return nil, nil, err
	}
	return impl.keygen()
}

// Sign signs bytes under sk using scheme. Deterministic under a fixed RNG,
// per spec.md §4.1; returns an error on malformed key material rather than
// panicking.
func Sign(s Scheme, sk SecKey, msg []byte) (Sig, error) {
	impl, err := implFor(s)
	if err != nil {
		return nil, err
	}
	return impl.sign(sk, msg)
}

// Verify is total: malformed input, wrong scheme, or a bad signature all
// simply yield false, never a panic (spec.md §4.1).
func Verify(s Scheme, pk PubKey, msg []byte, sig Sig) bool {
	impl, ok := registry[s]
	if !ok || impl == nil {
		return false
	}
	defer func() { recover() }() //nolint: errcheck -- verify must be total
	return impl.verify(pk, msg, sig)
}

// AddressOf derives the 20-byte address of a public key under scheme: the
// low 20 bytes of digest(tag || pubkey), per spec.md §4.1.
func AddressOf(s Scheme, pk PubKey) chain.Address {
	buf := make([]byte, 0, 1+len(pk))
	buf = append(buf, byte(s))
	buf = append(buf, pk...)
	d := Digest(buf)
	var a chain.Address
	copy(a[:], d[len(d)-len(a):])
	return a
}

// --- CLASSIC: Ed25519 ---

func classicKeygen() (PubKey, SecKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return PubKey(pub), SecKey(priv), nil
}

func classicSign(sk SecKey, msg []byte) (Sig, error) {
	if len(sk) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: invalid ed25519 secret key length %d", len(sk))
	}
	return Sig(ed25519.Sign(ed25519.PrivateKey(sk), msg)), nil
}

func classicVerify(pk PubKey, msg []byte, sig Sig) bool {
	if len(pk) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pk), msg, sig)
}

// --- PQ1: secp256k1 / ECDSA ---
// A concrete, non-post-quantum second scheme kept distinct from CLASSIC so
// callers can exercise the multi-scheme dispatch path; the PQ1/PQ2 tags
// themselves are opaque per spec.md §4.1 and do not imply any specific
// cryptographic strength requirement within the core.

func pq1Keygen() (PubKey, SecKey, error) {
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}
	return PubKey(sk.PubKey().SerializeCompressed()), SecKey(sk.Serialize()), nil
}

func pq1Sign(sk SecKey, msg []byte) (Sig, error) {
	if len(sk) != 32 {
		return nil, fmt.Errorf("crypto: invalid secp256k1 secret key length %d", len(sk))
	}
	priv := secp256k1.PrivKeyFromBytes(sk)
	h := Digest(msg)
	sig := ecdsa.Sign(priv, h[:])
	return Sig(sig.Serialize()), nil
}

func pq1Verify(pk PubKey, msg []byte, sig Sig) bool {
	pub, err := secp256k1.ParsePubKey(pk)
	if err != nil {
		return false
	}
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	h := Digest(msg)
	return s.Verify(h[:], pub)
}
