package core

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"SynthLedger/internal/ledger"
)

const GenesisHashSeed = "SynthLedger:genesis:v1"

// StateHasher chains a hash over every committed operation
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the chain tip before any operation.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash restores the chain tip (recovery only).
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// ComputeStateDigest encodes the post-state balances of the given accounts.
// Accounts must already be sorted by path.
//
//	len(path) || path || sign || |balance| (32 bytes BE)
func ComputeStateDigest(r ledger.Reader, accounts []ledger.AccountKey) []byte {
	digest := make([]byte, 0, len(accounts)*96)

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendSigned(digest, r.Balance(key))
	}

	return digest
}

func appendSigned(buf []byte, v *big.Int) []byte {
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	var mag [32]byte
	new(big.Int).Abs(v).FillBytes(mag[:])
	buf = append(buf, sign)
	return append(buf, mag[:]...)
}
