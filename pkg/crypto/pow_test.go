package crypto

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"pgregory.net/rapid"
)

// TestCombineMerklePathDeterministic checks that folding the same
// coinbase and merkle path twice produces identical roots, and that the
// result is always a 32-byte digest.
func TestCombineMerklePathDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		coinbase := rapid.SliceOfN(rapid.Byte(), 32, 512).Draw(t, "coinbase")
		pathLen := rapid.IntRange(0, 8).Draw(t, "pathLen")

		path := make([][]byte, pathLen)
		for i := range path {
			path[i] = rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "sibling")
		}

		root1 := CombineMerklePath(coinbase, path)
		root2 := CombineMerklePath(coinbase, path)

		if !bytes.Equal(root1, root2) {
			t.Fatalf("CombineMerklePath is not deterministic: %x != %x", root1, root2)
		}
		if len(root1) != 32 {
			t.Fatalf("expected a 32-byte root, got %d bytes", len(root1))
		}
	})
}

func TestCombineMerklePathEmptyPathIsCoinbaseHash(t *testing.T) {
	coinbase := []byte("a fake coinbase transaction")
	root := CombineMerklePath(coinbase, nil)
	leaf := CombineMerklePath(coinbase, [][]byte{})

	if !bytes.Equal(root, leaf) {
		t.Fatalf("nil and empty merkle paths should fold identically")
	}
	if want := chainhash.DoubleHashB(coinbase); !bytes.Equal(root, want) {
		t.Fatalf("empty merkle path root = %x, want the coinbase hash %x", root, want)
	}
}

func TestMeetsTargetInclusive(t *testing.T) {
	target := big.NewInt(100)

	if !MeetsTarget(big.NewInt(100), target) {
		t.Fatalf("hash == target must meet target (inclusive comparison)")
	}
	if !MeetsTarget(big.NewInt(50), target) {
		t.Fatalf("hash < target must meet target")
	}
	if MeetsTarget(big.NewInt(101), target) {
		t.Fatalf("hash > target must not meet target")
	}
}

func TestNBitsRoundTrip(t *testing.T) {
	// A well-known easy compact target (regtest-style).
	nBits := uint32(0x207fffff)
	target := NBitsToTarget(nBits)
	back := TargetToNBits(target)

	if back != nBits {
		t.Fatalf("NBits round-trip mismatch: got %#x, want %#x", back, nBits)
	}
}

func TestBuildHeaderLength(t *testing.T) {
	prevHash := make([]byte, 32)
	merkleRoot := make([]byte, 32)
	header := BuildHeader(1, prevHash, merkleRoot, 0, 0, 0)

	if len(header) != 80 {
		t.Fatalf("expected an 80-byte header, got %d", len(header))
	}
}
