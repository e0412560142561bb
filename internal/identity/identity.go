// Package identity provides the injected sign/verify capability the
// Coordinator and every signing component depend on. Keeping it behind a
// small interface lets tests substitute a deterministic verifier instead
// of driving a real Lightning node's RPC.
package identity

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is the host-node signing capability: sign a canonical string,
// and recover+verify the pubkey behind a signature.
type Signer interface {
	Sign(payload []byte) (sig string, err error)
	Verify(payload []byte, sig string) (verified bool, pubkeyHex string, err error)
	PubkeyHex() string
}

// Secp256k1Signer implements Signer over the curve Lightning node pubkeys
// use, via go-ethereum's crypto package.
type Secp256k1Signer struct {
	priv *ecdsa.PrivateKey
	pub  string
}

// NewSecp256k1Signer wraps a raw 32-byte private key.
func NewSecp256k1Signer(privKeyBytes []byte) (*Secp256k1Signer, error) {
	priv, err := crypto.ToECDSA(privKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("identity: load private key: %w", err)
	}
	pub := crypto.CompressPubkey(&priv.PublicKey)
	return &Secp256k1Signer{priv: priv, pub: hex.EncodeToString(pub)}, nil
}

// GenerateSecp256k1Signer creates a fresh keypair, primarily for tests and
// first-run node bootstrap.
func GenerateSecp256k1Signer() (*Secp256k1Signer, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	pub := crypto.CompressPubkey(&priv.PublicKey)
	return &Secp256k1Signer{priv: priv, pub: hex.EncodeToString(pub)}, nil
}

func (s *Secp256k1Signer) PubkeyHex() string { return s.pub }

// Sign produces a hex-encoded, recoverable signature over payload's
// digest. The message-type tag is already baked into payload by the
// wire.GetXSigningPayload helper that built it.
func (s *Secp256k1Signer) Sign(payload []byte) (string, error) {
	digest := crypto.Keccak256(payload)
	sig, err := crypto.Sign(digest, s.priv)
	if err != nil {
		return "", fmt.Errorf("identity: sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify recovers the pubkey behind sig over payload and reports whether it
// is well-formed. Callers must additionally compare the recovered pubkey to
// the claimed reporter_id themselves.
func (s *Secp256k1Signer) Verify(payload []byte, sig string) (bool, string, error) {
	raw, err := hex.DecodeString(sig)
	if err != nil {
		return false, "", fmt.Errorf("identity: decode signature: %w", err)
	}
	digest := crypto.Keccak256(payload)
	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return false, "", nil // malformed signature: not verified, not a hard error
	}
	return true, hex.EncodeToString(crypto.CompressPubkey(pub)), nil
}

// VerifyFunc adapts any compatible verifier (e.g. a test double) to the
// shape components consume, so production code never depends on the
// concrete Secp256k1Signer type.
type VerifyFunc func(payload []byte, sig string) (verified bool, pubkeyHex string, err error)

// CheckIdentityBinding enforces identity binding: for any payload carrying
// a reporter/claimed identity, the verified signature pubkey must equal
// both the claimed identity field and the transport-level peer ID.
func CheckIdentityBinding(verify VerifyFunc, payload []byte, sig, claimedID, transportPeerID string) error {
	ok, recovered, err := verify(payload, sig)
	if err != nil {
		return fmt.Errorf("identity: verify: %w", err)
	}
	if !ok {
		return fmt.Errorf("identity: signature invalid")
	}
	if recovered != claimedID {
		return fmt.Errorf("identity: pubkey mismatch: recovered %s claimed %s", recovered, claimedID)
	}
	if recovered != transportPeerID {
		return fmt.Errorf("identity: binding failed: recovered %s transport %s", recovered, transportPeerID)
	}
	return nil
}
