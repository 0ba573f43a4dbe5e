package crypto

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Derive produces a deterministic 20-byte address from a list of seed tags.
// Identical seeds always yield the same address and distinct seed tuples never
// collide beyond the collision resistance of keccak256. It is used to address
// escrow vaults and any other account whose location must be recomputable from
// public inputs alone.
func Derive(seeds ...[]byte) [20]byte {
	hash := ethcrypto.Keccak256Hash(seeds...)
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// DeriveKey produces a deterministic 32-byte record key from a list of seed
// tags. Used for ledger entries keyed by (creator, numeric id).
func DeriveKey(seeds ...[]byte) [32]byte {
	return [32]byte(ethcrypto.Keccak256Hash(seeds...))
}

// Uint64Seed encodes a numeric id as a little-endian seed segment.
func Uint64Seed(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}
