package mining

import (
	"math/big"
	"testing"

	"github.com/viddhana/sv2pool/internal/protocol"
	"github.com/viddhana/sv2pool/pkg/crypto"
)

func newTestJob(downstreamTarget *big.Int) *Job {
	return NewPartialJob(PartialJobData{
		JobID:            1,
		ChannelID:        7,
		Target:           downstreamTarget,
		CoinbaseTxPrefix: []byte("prefix-"),
		CoinbaseTxSuffix: []byte("-suffix"),
		MerklePath:       nil,
		Version:          0x20000000,
		ExtranoncePrefix: []byte{0xAA, 0xBB},
	})
}

func TestJobLifecycleUpdateAndMakePartial(t *testing.T) {
	j := newTestJob(big.NewInt(1))

	if j.IsComplete() {
		t.Fatalf("a freshly constructed job must start Partial")
	}
	if _, err := j.Snapshot(); err == nil {
		t.Fatalf("Snapshot on a Partial job must fail")
	}

	prevHash := make([]byte, 32)
	j.UpdateJob(prevHash, 0x1d00ffff, 1700000000)

	if !j.IsComplete() {
		t.Fatalf("UpdateJob must promote the job to Complete")
	}
	snap, err := j.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot on a Complete job must succeed: %v", err)
	}
	if snap.NBits != 0x1d00ffff {
		t.Fatalf("snapshot NBits = %#x, want %#x", snap.NBits, 0x1d00ffff)
	}

	j.MakePartial()
	if j.IsComplete() {
		t.Fatalf("MakePartial must demote the job back to Partial")
	}
}

// zeroNBits is a compact target encoding that decodes to exactly 0
// (exponent 0, mantissa 1, which right-shifts to nothing), giving a
// network target no real hash will ever meet.
const zeroNBits = uint32(0x00000001)

// hugeNBits is a compact target encoding (exponent 34, near-maximal
// mantissa) whose decoded value exceeds any 256-bit hash, giving a
// network target every hash meets.
const hugeNBits = uint32(0x227fffff)

// TestValidateTargetAgainstComputedHash exercises the full header ->
// double-SHA256 -> target comparison path: we compute the actual hash a
// given (extranonce, nonce) pair produces against a job built with an
// unmeetable network target (zeroNBits) and set the downstream target to
// exactly that hash, which must be reported as a met downstream target
// under the inclusive (<=) comparison.
func TestValidateTargetAgainstComputedHash(t *testing.T) {
	extranonce := []byte{0x01, 0x02, 0x03, 0x04}
	nonce := uint32(424242)

	coinbase := append(append([]byte{}, []byte("prefix-")...), extranonce...)
	coinbase = append(coinbase, []byte("-suffix")...)
	merkleRoot := crypto.CombineMerklePath(coinbase, nil)

	prevHash := make([]byte, 32)
	nTime := uint32(1700000000)
	header := crypto.BuildHeader(0x20000000, prevHash, merkleRoot, nTime, zeroNBits, nonce)
	hash := crypto.HeaderHash(header)

	j := newTestJob(hash)
	j.UpdateJob(prevHash, zeroNBits, nTime)

	outcome, sol, err := j.ValidateTarget(extranonce, nTime, nonce, 0)
	if err != nil {
		t.Fatalf("ValidateTarget: %v", err)
	}
	if outcome != ValidDownstream {
		t.Fatalf("outcome = %v, want ValidDownstream", outcome)
	}
	if sol != nil {
		t.Fatalf("ValidDownstream must not carry solution data")
	}
	if got, want := j.SharesSum(), uint64(1); got != want {
		t.Fatalf("SharesSum = %d, want %d", got, want)
	}

	// A job whose own nbits decode to a target every hash meets must
	// report ValidNetworkTarget, derived solely from the job's NBits —
	// not from any externally supplied value.
	j2 := newTestJob(big.NewInt(1))
	j2.UpdateJob(prevHash, hugeNBits, nTime)

	outcome, sol, err = j2.ValidateTarget(extranonce, nTime, nonce, 0)
	if err != nil {
		t.Fatalf("ValidateTarget with huge network target: %v", err)
	}
	if outcome != ValidNetworkTarget {
		t.Fatalf("outcome = %v, want ValidNetworkTarget", outcome)
	}
	if sol == nil || sol.HeaderNonce != nonce {
		t.Fatalf("ValidNetworkTarget must carry solution data with the winning nonce")
	}
	if sol.BlockHash == "" {
		t.Fatalf("ValidNetworkTarget must carry a block hash")
	}

	// An impossibly small downstream target, paired with an unmeetable
	// network target, must reject the same share as Invalid.
	tiny := big.NewInt(0)
	j3 := newTestJob(tiny)
	j3.UpdateJob(prevHash, zeroNBits, nTime)
	outcome, _, err = j3.ValidateTarget(extranonce, nTime, nonce, 0)
	if err != nil {
		t.Fatalf("ValidateTarget: %v", err)
	}
	if outcome != Invalid {
		t.Fatalf("outcome = %v, want Invalid", outcome)
	}
	if got := j3.SharesSum(); got != 0 {
		t.Fatalf("SharesSum after an Invalid share = %d, want 0", got)
	}
}

func TestValidateTargetOnPartialJobFails(t *testing.T) {
	j := newTestJob(big.NewInt(1))
	_, _, err := j.ValidateTarget(nil, 0, 0, 0)
	if err != protocol.ErrJobNotComplete {
		t.Fatalf("expected ErrJobNotComplete, got %v", err)
	}
}

// TestValidateTargetUsesJobOwnNBits verifies a stale job validates against
// the target implied by its own (possibly superseded) nbits rather than
// whatever the pool currently considers the network target to be — the
// nbits a job was activated with stay bound to it after later activations.
func TestValidateTargetUsesJobOwnNBits(t *testing.T) {
	extranonce := []byte{0xAA}
	nonce := uint32(1)
	nTime := uint32(1700000001)
	prevHash := make([]byte, 32)

	coinbase := append(append([]byte{}, []byte("prefix-")...), extranonce...)
	coinbase = append(coinbase, []byte("-suffix")...)
	merkleRoot := crypto.CombineMerklePath(coinbase, nil)
	header := crypto.BuildHeader(0x20000000, prevHash, merkleRoot, nTime, zeroNBits, nonce)
	hash := crypto.HeaderHash(header)

	// A stale job whose own nbits is unmeetable must not be promoted to
	// ValidNetworkTarget just because this hash happens to meet an easy
	// target under a different (e.g. current) nbits.
	stale := newTestJob(hash)
	stale.UpdateJob(prevHash, zeroNBits, nTime)
	outcome, _, err := stale.ValidateTarget(extranonce, nTime, nonce, 0)
	if err != nil {
		t.Fatalf("ValidateTarget: %v", err)
	}
	if outcome != ValidDownstream {
		t.Fatalf("stale job outcome = %v, want ValidDownstream (its own nbits rejects the network target)", outcome)
	}
}
