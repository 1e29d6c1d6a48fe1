// Package jobcreator derives per-channel NewExtendedMiningJob fields from
// a Template Provider template and owns the template_id <-> job_id
// bookkeeping every channel needs to resolve a SetNewPrevHash to the job
// it activates.
package jobcreator

import (
	"math/big"
	"sync"

	"github.com/viddhana/sv2pool/internal/mining"
	"github.com/viddhana/sv2pool/internal/templaterx"
)

// SeedJob is one job handed back by NewGroupChannel when a channel opens:
// the job's data, plus whatever prev-hash activation state the creator
// already has cached so the caller can hand the miner usable work
// immediately instead of waiting for the next template/prev-hash cycle.
type SeedJob struct {
	Job mining.PartialJobData

	// FutureJob mirrors NewExtendedMiningJob's future_job flag: true for a
	// job whose template has no known prev-hash yet.
	FutureJob bool

	// Active is true when a prev-hash activating this job's template is
	// already known; PrevHash/NBits/NTime are then populated and the
	// caller should promote the job straight to Complete and emit an
	// activating SetNewPrevHash right behind the job frame.
	Active   bool
	PrevHash []byte
	NBits    uint32
	NTime    uint32
}

// JobCreator derives job material for every registered channel from
// upstream templates. It is the sole owner of job_id allocation and of
// the per-channel template_id -> job_id relationship, so Pool/Downstream
// never need to maintain that mapping themselves.
type JobCreator interface {
	// NewGroupChannel registers a newly opened channel and returns every
	// job the creator already has cached for it: the currently active job
	// (if a template has been activated) and a still-pending future job
	// (if one hasn't been activated yet). This lets a channel opened
	// between two NewTemplate events start mining right away rather than
	// stalling until the next block-cadence template cycle.
	NewGroupChannel(channelID uint32, versionRolling bool, extranoncePrefix []byte, downstreamTarget *big.Int) []SeedJob

	// OnNewTemplate derives one job per registered channel from tmpl,
	// assigning each a fresh job_id, and returns the per-channel result.
	OnNewTemplate(tmpl templaterx.Template) map[uint32]mining.PartialJobData

	// OnNewPrevHash latches the template this prev-hash activates as the
	// creator's current active template, so a channel opened afterward
	// can be seeded with it via NewGroupChannel.
	OnNewPrevHash(php templaterx.SetNewPrevHash)

	// JobIDFromTemplate resolves the job_id a channel was assigned for a
	// given template_id, or false if that channel was never given one
	// (e.g. it opened after the template was superseded).
	JobIDFromTemplate(templateID uint64, channelID uint32) (uint32, bool)
}

// channelRecord is what the creator remembers about a registered channel:
// enough to derive a job for it on every subsequent NewTemplate without
// Pool/Downstream having to pass that context on every call.
type channelRecord struct {
	versionRolling   bool
	extranoncePrefix []byte
	target           *big.Int
}

// creator is the only JobCreator implementation: extended-channel
// coinbase splicing around each channel's extranonce prefix, plus the
// job_id allocation and template_id<->job_id bookkeeping.
type creator struct {
	mu sync.Mutex

	jobIDSeq uint32
	channels map[uint32]*channelRecord

	// jobIDs[channelID][templateID] = job_id is the table
	// JobIDFromTemplate resolves against.
	jobIDs map[uint32]map[uint64]uint32

	activeTemplate   *templaterx.Template
	activeTemplateID uint64
	activePrevHash   []byte
	activeNBits      uint32
	activeNTime      uint32

	pendingFutureTemplate *templaterx.Template
}

// New returns the standard JobCreator.
func New() JobCreator {
	return &creator{
		channels: make(map[uint32]*channelRecord),
		jobIDs:   make(map[uint32]map[uint64]uint32),
	}
}

func (c *creator) nextJobID() uint32 {
	c.jobIDSeq++
	return c.jobIDSeq
}

func (c *creator) recordJobID(channelID uint32, templateID uint64, jobID uint32) {
	m, ok := c.jobIDs[channelID]
	if !ok {
		m = make(map[uint64]uint32)
		c.jobIDs[channelID] = m
	}
	m[templateID] = jobID
}

func (c *creator) NewGroupChannel(channelID uint32, versionRolling bool, extranoncePrefix []byte, downstreamTarget *big.Int) []SeedJob {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.channels[channelID] = &channelRecord{
		versionRolling:   versionRolling,
		extranoncePrefix: extranoncePrefix,
		target:           downstreamTarget,
	}

	var seeds []SeedJob

	if c.activeTemplate != nil {
		jobID := c.nextJobID()
		data := fromTemplate(*c.activeTemplate, channelID, jobID, extranoncePrefix, downstreamTarget)
		c.recordJobID(channelID, c.activeTemplateID, jobID)
		seeds = append(seeds, SeedJob{
			Job:      data,
			Active:   true,
			PrevHash: c.activePrevHash,
			NBits:    c.activeNBits,
			NTime:    c.activeNTime,
		})
	}

	if c.pendingFutureTemplate != nil {
		jobID := c.nextJobID()
		data := fromTemplate(*c.pendingFutureTemplate, channelID, jobID, extranoncePrefix, downstreamTarget)
		c.recordJobID(channelID, c.pendingFutureTemplate.TemplateID, jobID)
		seeds = append(seeds, SeedJob{
			Job:       data,
			FutureJob: true,
		})
	}

	return seeds
}

func (c *creator) OnNewTemplate(tmpl templaterx.Template) map[uint32]mining.PartialJobData {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[uint32]mining.PartialJobData, len(c.channels))
	for channelID, rec := range c.channels {
		jobID := c.nextJobID()
		data := fromTemplate(tmpl, channelID, jobID, rec.extranoncePrefix, rec.target)
		c.recordJobID(channelID, tmpl.TemplateID, jobID)
		out[channelID] = data
	}

	t := tmpl
	if tmpl.FutureTemplate {
		c.pendingFutureTemplate = &t
	} else {
		c.activeTemplate = &t
		c.activeTemplateID = tmpl.TemplateID
	}

	return out
}

func (c *creator) OnNewPrevHash(php templaterx.SetNewPrevHash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingFutureTemplate != nil && c.pendingFutureTemplate.TemplateID == php.TemplateID {
		c.activeTemplate = c.pendingFutureTemplate
		c.pendingFutureTemplate = nil
	}

	c.activeTemplateID = php.TemplateID
	c.activePrevHash = php.PrevHash
	c.activeNBits = php.NBits
	c.activeNTime = php.HeaderTimestamp
}

func (c *creator) JobIDFromTemplate(templateID uint64, channelID uint32) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.jobIDs[channelID]
	if !ok {
		return 0, false
	}
	jobID, ok := m[templateID]
	return jobID, ok
}

// fromTemplate maps a template onto the job's CoinbaseTxPrefix/
// CoinbaseTxSuffix split: the template's CoinbasePrefix becomes
// CoinbaseTxPrefix and its CoinbaseTxOutputs bytes become
// CoinbaseTxSuffix, both copied as delivered. The template's other
// coinbase fields (version, input sequence, outputs count, locktime) are
// not serialized into either part. The full extranonce is spliced between
// the two at validation time.
func fromTemplate(tmpl templaterx.Template, channelID, jobID uint32, extranoncePrefix []byte, downstreamTarget *big.Int) mining.PartialJobData {
	return mining.PartialJobData{
		JobID:            jobID,
		ChannelID:        channelID,
		TemplateID:       tmpl.TemplateID,
		Target:           downstreamTarget,
		CoinbaseTxPrefix: tmpl.CoinbasePrefix,
		CoinbaseTxSuffix: tmpl.CoinbaseTxOutputs,
		MerklePath:       tmpl.MerklePath,
		Version:          tmpl.Version,
		ExtranoncePrefix: extranoncePrefix,
	}
}
