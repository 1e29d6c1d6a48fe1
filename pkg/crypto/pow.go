// Package crypto provides the Bitcoin proof-of-work primitives the share
// validation engine needs: merkle-path folding, header construction, and
// target comparison. Hashing and compact-bits conversion delegate to the
// btcsuite libraries rather than reimplementing them.
package crypto

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// CombineMerklePath reconstructs the block's merkle root from a coinbase
// transaction and the extended job's merkle path: the coinbase hash is
// the initial leaf, and each path sibling is folded in via
// double-SHA256(leaf || sibling), read left-to-right as provided by
// NewExtendedMiningJob's merkle_path field.
func CombineMerklePath(coinbaseTx []byte, merklePath [][]byte) []byte {
	leaf := chainhash.DoubleHashB(coinbaseTx)

	for _, sibling := range merklePath {
		buf := make([]byte, 0, len(leaf)+len(sibling))
		buf = append(buf, leaf...)
		buf = append(buf, sibling...)
		leaf = chainhash.DoubleHashB(buf)
	}

	return leaf
}

// BuildHeader assembles the 80-byte Bitcoin block header in wire order:
// version (LE), prev_hash, merkle_root, ntime (LE), nbits (LE), nonce (LE).
func BuildHeader(version uint32, prevHash, merkleRoot []byte, nTime, nBits, nonce uint32) []byte {
	header := make([]byte, 80)

	putU32LE(header[0:4], version)
	copy(header[4:36], prevHash)
	copy(header[36:68], merkleRoot)
	putU32LE(header[68:72], nTime)
	putU32LE(header[72:76], nBits)
	putU32LE(header[76:80], nonce)

	return header
}

func putU32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// HeaderHash double-SHA256s the header and returns the digest interpreted
// as a big-endian 256-bit integer, i.e. with byte order reversed from the
// wire/internal little-endian digest — the representation target
// comparisons are done against.
func HeaderHash(header []byte) *big.Int {
	digest := chainhash.DoubleHashB(header)
	return reversedToInt(digest)
}

// reversedToInt reverses a little-endian digest into big-endian byte
// order and interprets it as an unsigned integer.
func reversedToInt(digest []byte) *big.Int {
	reversed := make([]byte, len(digest))
	for i, b := range digest {
		reversed[len(digest)-1-i] = b
	}
	return new(big.Int).SetBytes(reversed)
}

// NBitsToTarget expands a compact "nBits" encoding into its full target
// integer, delegating to btcsuite's blockchain.CompactToBig rather than
// reimplementing the compact-float format by hand.
func NBitsToTarget(nBits uint32) *big.Int {
	return blockchain.CompactToBig(nBits)
}

// TargetToNBits compresses a full target integer back into its compact
// "nBits" encoding via btcsuite's blockchain.BigToCompact.
func TargetToNBits(target *big.Int) uint32 {
	return blockchain.BigToCompact(target)
}

// MeetsTarget reports whether hash <= target. The comparison is
// inclusive: a hash exactly equal to the target counts as met.
func MeetsTarget(hash, target *big.Int) bool {
	return hash.Cmp(target) <= 0
}
