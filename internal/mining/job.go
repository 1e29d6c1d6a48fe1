package mining

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/viddhana/sv2pool/internal/protocol"
	"github.com/viddhana/sv2pool/pkg/crypto"
)

// ValidationOutcome reports which target (if any) a share met.
// Network-target matches take precedence: a share can be both a valid
// share AND a found block.
type ValidationOutcome int

const (
	// Invalid means the share met neither the downstream nor the network
	// target.
	Invalid ValidationOutcome = iota
	// ValidDownstream means the share met the downstream target but not
	// the (much harder) network target.
	ValidDownstream
	// ValidNetworkTarget means the share met the Bitcoin network target —
	// a solved block, reported upstream via SubmitSolution.
	ValidNetworkTarget
)

// PartialJobData holds everything a job needs before a prev-hash arrives:
// the fields carried on NewExtendedMiningJob plus the channel's fixed
// extranonce prefix.
type PartialJobData struct {
	JobID            uint32
	ChannelID        uint32
	TemplateID       uint64
	Target           *big.Int
	CoinbaseTxPrefix []byte
	CoinbaseTxSuffix []byte
	MerklePath       [][]byte
	Version          uint32
	ExtranoncePrefix []byte
}

// CompleteJobData adds the header fields only known once a SetNewPrevHash
// for this job's template has been observed. NewSharesSum accumulates
// every accepted share (downstream or network target) seen while the job
// stays Complete; it is reset to 0 on every promotion into Complete.
type CompleteJobData struct {
	PartialJobData
	PrevHash     []byte
	NBits        uint32
	NTime        uint32
	NewSharesSum uint64
}

// SubmitSolutionData carries everything needed to report a network-target
// share upstream to the Template Provider.
type SubmitSolutionData struct {
	TemplateID      uint64
	Version         uint32
	HeaderTimestamp uint32
	HeaderNonce     uint32
	CoinbaseTx      []byte
	// BlockHash is the big-endian hex digest of the winning header, kept
	// only for telemetry/storage — the Template Provider link itself needs
	// no hash, just the fields it can re-derive the header from.
	BlockHash string
}

// Job is a single mutable slot tracking one job_id's lifecycle: created
// Partial by NewExtendedMiningJob, promoted to Complete by UpdateJob once
// its prev-hash is known, and demoted back to Partial by MakePartial right
// after a share meets the network target.
type Job struct {
	mu       sync.Mutex
	partial  PartialJobData
	complete *CompleteJobData
}

// NewPartialJob constructs a job in its initial Partial state.
func NewPartialJob(data PartialJobData) *Job {
	return &Job{partial: data}
}

// IsComplete reports whether the job has been promoted via UpdateJob.
func (j *Job) IsComplete() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.complete != nil
}

// UpdateJob promotes the job to Complete by attaching the prev-hash,
// nbits and ntime carried on a SetNewPrevHash message that references
// this job's template.
func (j *Job) UpdateJob(prevHash []byte, nBits, nTime uint32) *CompleteJobData {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.complete = &CompleteJobData{
		PartialJobData: j.partial,
		PrevHash:       prevHash,
		NBits:          nBits,
		NTime:          nTime,
		NewSharesSum:   0,
	}
	return j.complete
}

// MakePartial demotes a job back to its Partial state, used right after a
// share on it met the network target: the solved template cannot yield
// another block, so the job stays unusable until a later activation
// promotes it again.
func (j *Job) MakePartial() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.complete = nil
}

// Snapshot returns the job's Complete data, or (nil, protocol.ErrJobNotComplete)
// if it has not been promoted yet.
func (j *Job) Snapshot() (*CompleteJobData, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.complete == nil {
		return nil, protocol.ErrJobNotComplete
	}
	return j.complete, nil
}

// ValidateTarget reconstructs the block header for this job with the
// given full extranonce, ntime, and nonce exactly as submitted by the
// miner, and compares its hash first against the Bitcoin network target —
// decoded from this job's own nbits, never from an externally tracked
// value — and then against the downstream's target, both comparisons
// inclusive (hash <= target); ntime is taken verbatim off the wire, never
// recomputed from a base.
//
// versionBits carries any bits the miner rolled via version-rolling
// (masked into the job's base version before header construction, per
// SV2's general-purpose version-rolling extension).
func (j *Job) ValidateTarget(fullExtranonce []byte, ntime, nonce, versionBits uint32) (ValidationOutcome, *SubmitSolutionData, error) {
	j.mu.Lock()
	complete := j.complete
	j.mu.Unlock()

	if complete == nil {
		return Invalid, nil, protocol.ErrJobNotComplete
	}

	coinbase := make([]byte, 0, len(complete.CoinbaseTxPrefix)+len(fullExtranonce)+len(complete.CoinbaseTxSuffix))
	coinbase = append(coinbase, complete.CoinbaseTxPrefix...)
	coinbase = append(coinbase, fullExtranonce...)
	coinbase = append(coinbase, complete.CoinbaseTxSuffix...)

	merkleRoot := crypto.CombineMerklePath(coinbase, complete.MerklePath)

	version := complete.Version | versionBits
	header := crypto.BuildHeader(version, complete.PrevHash, merkleRoot, ntime, complete.NBits, nonce)
	hash := crypto.HeaderHash(header)

	// This job's own nbits decides its network target — a stale job that
	// outlives its activation window is still judged against the target it
	// was built for, never the pool's current one.
	bitcoinTarget := crypto.NBitsToTarget(complete.NBits)

	// Network target takes precedence: a share meeting both is reported as
	// a found block, never merely as an accepted share.
	if crypto.MeetsTarget(hash, bitcoinTarget) {
		j.mu.Lock()
		j.complete.NewSharesSum++
		j.mu.Unlock()
		return ValidNetworkTarget, &SubmitSolutionData{
			TemplateID:      complete.TemplateID,
			Version:         version,
			HeaderTimestamp: ntime,
			HeaderNonce:     nonce,
			CoinbaseTx:      coinbase,
			BlockHash:       fmt.Sprintf("%064x", hash),
		}, nil
	}
	if crypto.MeetsTarget(hash, complete.Target) {
		j.mu.Lock()
		j.complete.NewSharesSum++
		j.mu.Unlock()
		return ValidDownstream, nil, nil
	}
	return Invalid, nil, nil
}

// SharesSum returns the job's accumulated accepted-share count while it
// has stayed Complete; 0 before the first promotion or after a demotion.
func (j *Job) SharesSum() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.complete == nil {
		return 0
	}
	return j.complete.NewSharesSum
}

// Target returns the job's downstream difficulty target, valid in both
// Partial and Complete states.
func (j *Job) Target() *big.Int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.complete != nil {
		return j.complete.Target
	}
	return j.partial.Target
}

// ChannelID returns the owning channel id.
func (j *Job) ChannelID() uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.complete != nil {
		return j.complete.ChannelID
	}
	return j.partial.ChannelID
}

// JobID returns the job's identifier as carried on the wire.
func (j *Job) JobID() uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.complete != nil {
		return j.complete.JobID
	}
	return j.partial.JobID
}
