package clients

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

const (
	// secp256k1SchemeFlag prefixes secp256k1 signatures and address preimages.
	secp256k1SchemeFlag byte = 0x01
	signatureLength          = 64
)

// transactionIntent is the intent prefix for transaction data.
var transactionIntent = []byte{0, 0, 0}

// Signer signs transactions with a secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	pubKey  []byte
	address string
}

// NewSignerFromHex parses a hex-encoded secp256k1 private key.
func NewSignerFromHex(privateKeyHex string) (*Signer, error) {
	key := strings.TrimSpace(privateKeyHex)
	if len(key) >= 2 && (key[:2] == "0x" || key[:2] == "0X") {
		key = key[2:]
	}
	if key == "" {
		return nil, errors.New("private key is empty")
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}

	return NewSigner(privateKey)
}

// NewSigner wraps an existing private key.
func NewSigner(privateKey *ecdsa.PrivateKey) (*Signer, error) {
	if privateKey == nil {
		return nil, errors.New("private key is nil")
	}

	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("error casting public key to ECDSA")
	}
	compressed := crypto.CompressPubkey(pub)

	preimage := append([]byte{secp256k1SchemeFlag}, compressed...)
	sum := blake2b.Sum256(preimage)

	return &Signer{
		key:     privateKey,
		pubKey:  compressed,
		address: "0x" + hex.EncodeToString(sum[:]),
	}, nil
}

// Address returns the ledger address controlled by this signer.
func (s *Signer) Address() string { return s.address }

// Sign returns the serialized signature for raw transaction bytes:
// base64(flag || r || s || compressed public key).
func (s *Signer) Sign(txBytes []byte) (string, error) {
	digest := MessageDigest(txBytes)
	hash := sha256.Sum256(digest[:])

	sig, err := crypto.Sign(hash[:], s.key)
	if err != nil {
		return "", errors.Wrap(err, "sign transaction")
	}

	out := make([]byte, 0, 1+signatureLength+len(s.pubKey))
	out = append(out, secp256k1SchemeFlag)
	out = append(out, sig[:signatureLength]...)
	out = append(out, s.pubKey...)

	return base64.StdEncoding.EncodeToString(out), nil
}

// MessageDigest hashes intent-prefixed transaction bytes.
func MessageDigest(txBytes []byte) [32]byte {
	msg := make([]byte, 0, len(transactionIntent)+len(txBytes))
	msg = append(msg, transactionIntent...)
	msg = append(msg, txBytes...)
	return blake2b.Sum256(msg)
}

// VerifySignature checks a serialized signature against transaction bytes.
func VerifySignature(txBytes []byte, serialized string) (bool, error) {
	raw, err := base64.StdEncoding.DecodeString(serialized)
	if err != nil {
		return false, errors.Wrap(err, "decode signature")
	}
	if len(raw) != 1+signatureLength+33 || raw[0] != secp256k1SchemeFlag {
		return false, fmt.Errorf("unexpected signature layout (%d bytes)", len(raw))
	}

	digest := MessageDigest(txBytes)
	hash := sha256.Sum256(digest[:])

	return crypto.VerifySignature(raw[1+signatureLength:], hash[:], raw[1:1+signatureLength]), nil
}
