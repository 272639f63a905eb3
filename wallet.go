package gateway

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DeriveAddress deterministically maps (master key, session index) to a
// deposit address. The derived private scalar is the Keccak-256 hash of
// masterKey || bigEndian32(index); the address follows from the secp256k1
// public key the standard Ethereum way. Reproducing an address needs only
// the master key and the index, so no derived material is ever persisted.
//
// Distinct indices collide only with negligible probability. The rare hash
// output that is not a valid secp256k1 scalar is returned as an error; the
// caller burns that index and moves to the next one.
func DeriveAddress(masterKey []byte, index uint32) (common.Address, error) {
	if len(masterKey) == 0 {
		return common.Address{}, errors.New("gateway: empty master key")
	}

	seed := make([]byte, 0, len(masterKey)+4)
	seed = append(seed, masterKey...)
	seed = binary.BigEndian.AppendUint32(seed, index)

	priv, err := crypto.ToECDSA(crypto.Keccak256(seed))
	if err != nil {
		return common.Address{}, fmt.Errorf("gateway: derive key for index %d: %w", index, err)
	}
	return crypto.PubkeyToAddress(priv.PublicKey), nil
}
