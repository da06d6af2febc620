// Package keys is the bot's key daemon: it holds the account's signing
// key in memory and signs broadcast payloads on demand.
//
// Graphene-style chains sign transaction digests with secp256k1, the
// same curve Ethereum uses, so key parsing and signing go through
// go-ethereum's crypto package. Key material never leaves this package
// and is never logged.
package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the account's private key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	pubHex     string
}

// NewSigner parses a hex-encoded secp256k1 private key (with or
// without a 0x prefix).
func NewSigner(keyHex string) (*Signer, error) {
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	pub := crypto.FromECDSAPub(&privateKey.PublicKey)
	return &Signer{
		privateKey: privateKey,
		pubHex:     hex.EncodeToString(crypto.Keccak256(pub)[:8]),
	}, nil
}

// PublicKeyID returns a short stable identifier for the key, safe to
// log and to use as the bot's persistence identity component.
func (s *Signer) PublicKeyID() string {
	return s.pubHex
}

// SignPayload signs the keccak digest of the payload and returns the
// signature hex-encoded.
func (s *Signer) SignPayload(payload string) (string, error) {
	digest := crypto.Keccak256([]byte(payload))
	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return hex.EncodeToString(sig), nil
}
