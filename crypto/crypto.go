package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/flowledger-labs/flowledger/types"
)

// HashTransactionID derives a content-addressed id from the fields that
// define a transaction's identity. Two submissions with the same parents,
// payload and timestamp collapse to the same id.
func HashTransactionID(payload []byte, parentIDs []string, timestamp int64) string {
	h, _ := blake2b.New256(nil)
	h.Write(payload)
	for _, p := range parentIDs {
		h.Write([]byte(p))
	}
	var ts [8]byte
	for i := 0; i < 8; i++ {
		ts[i] = byte(timestamp >> (8 * i))
	}
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil))
}

// VoteDigest is the byte string a validator signs when voting on a
// transaction. Approvals and rejections sign distinct digests.
func VoteDigest(txID string, approve bool) []byte {
	tag := "reject"
	if approve {
		tag = "approve"
	}
	sum := blake2b.Sum256([]byte(txID + "/" + tag))
	return sum[:]
}

// Ed25519Verifier implements types.SignatureVerifier over ed25519 keys.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(signature, payload, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), payload, signature)
}

var _ types.SignatureVerifier = Ed25519Verifier{}

// GenerateKeyPair creates an ed25519 key pair, used by tests and tooling.
func GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return pub, priv, nil
}

// Sign signs payload with an ed25519 private key.
func Sign(privateKey, payload []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(privateKey), payload)
}
