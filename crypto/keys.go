package crypto

import (
	"crypto/ecdsa"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"bazaar/core/types"
)

// PrivateKey is a secp256k1 key whose public half identifies a marketplace
// participant.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

// Address derives the participant address: the last 20 bytes of the keccak
// hash of the uncompressed public key.
func (k *PrivateKey) Address() types.Address {
	return types.Address(ethcrypto.PubkeyToAddress(k.PublicKey))
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &PrivateKey{key}, nil
}
