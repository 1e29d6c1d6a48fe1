// Package mining implements the per-channel job state machine and the
// extended-extranonce allocator.
package mining

import (
	"fmt"
	"sync"

	"github.com/viddhana/sv2pool/internal/protocol"
)

// ExtendedExtranonce partitions a fixed-size extranonce into three
// contiguous ranges:
//
//   - R0 [0, r0Len): pool-reserved bytes, fixed across every channel (used
//     when a pool is itself a downstream of another pool; empty here, since
//     this core has no upstream proxy tier).
//   - R1 [r0Len, r0Len+r1Len): a channel-unique big-endian counter, handed
//     out once per OpenExtendedMiningChannel and never reused.
//   - R2 [r0Len+r1Len, size): left untouched for the miner's own search
//     space.
type ExtendedExtranonce struct {
	mu      sync.Mutex
	size    int
	r0      []byte
	r1Len   int
	nextR1  uint64
	persist R1Persister
}

// R1Persister durably records the R1 high-water mark so a pool restart
// never reissues a prefix already handed to a miner.
type R1Persister interface {
	LoadCounter() (uint64, error)
	SaveCounter(uint64) error
}

// ErrNoMoreExtranonces is returned once the R1 counter would overflow its
// allotted byte width.
var ErrNoMoreExtranonces = fmt.Errorf("mining: extranonce space exhausted")

// NewExtendedExtranonce builds an allocator for a channel extranonce of
// size bytes, reserving r0 as the pool-fixed prefix and r1Len bytes for
// the per-channel counter. The remaining size-len(r0)-r1Len bytes are R2,
// left for the miner. The counter itself is a uint64; an R1 range wider
// than 8 bytes gains zero padding rather than extra counter space, which
// still leaves 2^64 prefixes before exhaustion.
func NewExtendedExtranonce(size int, r0 []byte, r1Len int, persist R1Persister) (*ExtendedExtranonce, error) {
	if r1Len < 1 {
		return nil, fmt.Errorf("mining: r1 width must be at least 1 byte")
	}
	if len(r0)+r1Len > size {
		return nil, fmt.Errorf("mining: r0 (%d) + r1 (%d) exceeds extranonce size (%d)", len(r0), r1Len, size)
	}

	e := &ExtendedExtranonce{
		size:    size,
		r0:      r0,
		r1Len:   r1Len,
		persist: persist,
	}

	if persist != nil {
		n, err := persist.LoadCounter()
		if err != nil {
			return nil, fmt.Errorf("mining: load extranonce counter: %w", err)
		}
		e.nextR1 = n
	}

	return e, nil
}

// R2Len returns the width of the miner's own search space.
func (e *ExtendedExtranonce) R2Len() int {
	return e.size - len(e.r0) - e.r1Len
}

// Size returns the total extranonce width advertised to downstreams in
// OpenExtendedMiningChannelSuccess.
func (e *ExtendedExtranonce) Size() int {
	return e.size
}

// NextPrefix issues the next unused channel prefix: r0 followed by the
// R1 counter rendered big-endian into r1Len bytes, zero-padded on the
// left when R1 is wider than the counter. The miner appends its own
// R2Len()-byte search space to this prefix to form its full extranonce.
func (e *ExtendedExtranonce) NextPrefix() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.r1Len < 8 && e.nextR1 >= uint64(1)<<(uint(e.r1Len)*8) {
		return nil, ErrNoMoreExtranonces
	}

	prefix := make([]byte, len(e.r0)+e.r1Len)
	copy(prefix, e.r0)

	var counter [8]byte
	putU64BE(counter[:], e.nextR1)
	if e.r1Len >= 8 {
		copy(prefix[len(e.r0)+e.r1Len-8:], counter[:])
	} else {
		copy(prefix[len(e.r0):], counter[8-e.r1Len:])
	}

	e.nextR1++
	if e.persist != nil {
		if err := e.persist.SaveCounter(e.nextR1); err != nil {
			return nil, fmt.Errorf("mining: persist extranonce counter: %w", err)
		}
	}

	return prefix, nil
}

func putU64BE(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// FixExtranonce splices a channel's fixed prefix with the miner-supplied
// search-space suffix into the full-length extranonce used for coinbase
// reconstruction. Returns protocol.ErrMissingExtranonceFixup if the
// combined width does not match the advertised extranonce size — in
// particular when no suffix was submitted and the prefix alone is not
// full-length.
func FixExtranonce(prefix, suffix []byte, size int) ([]byte, error) {
	if len(prefix)+len(suffix) != size {
		return nil, protocol.ErrMissingExtranonceFixup
	}
	full := make([]byte, 0, size)
	full = append(full, prefix...)
	full = append(full, suffix...)
	return full, nil
}
