package pool

import (
	"fmt"
	"math/big"
	"sync"

	"golang.org/x/time/rate"

	"go.uber.org/zap"

	"github.com/viddhana/sv2pool/internal/mining"
	"github.com/viddhana/sv2pool/internal/protocol"
	"github.com/viddhana/sv2pool/internal/telemetry"
	"github.com/viddhana/sv2pool/internal/templaterx"
)

// submitRateLimit and submitBurst bound how many SubmitSharesExtended
// frames one downstream may send per second. A miner legitimately
// submitting shares at its negotiated difficulty never comes close to
// this ceiling.
const (
	submitRateLimit = rate.Limit(200)
	submitBurst     = 400
)

// channelState tracks one extended channel: its fixed extranonce prefix,
// its difficulty target, and every job_id it currently knows about —
// future jobs awaiting activation alongside the active one.
type channelState struct {
	channelID        uint32
	extranoncePrefix []byte
	target           *big.Int

	jobs map[uint32]*mining.Job

	activeJobID  uint32
	lastNBits    uint32
	lastPrevHash []byte
}

// Downstream is one connected miner's actor: a dedicated receive loop
// over its FrameChannel, owning every extended channel it has opened.
type Downstream struct {
	id         string
	remoteAddr string
	channel    protocol.FrameChannel
	pool       *Pool
	logger     *zap.Logger
	limiter    *rate.Limiter
	stats      *telemetry.Stats

	sendMu sync.Mutex

	mu       sync.Mutex
	channels map[uint32]*channelState

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newDownstream(id, remoteAddr string, ch protocol.FrameChannel, p *Pool) *Downstream {
	return &Downstream{
		id:         id,
		remoteAddr: remoteAddr,
		channel:    ch,
		pool:       p,
		logger:     p.logger.Named("downstream").With(zap.String("downstream_id", id)),
		limiter:    rate.NewLimiter(submitRateLimit, submitBurst),
		channels:   make(map[uint32]*channelState),
		closeCh:    make(chan struct{}),
	}
}

// Run drives the downstream's receive loop until the connection closes.
// It is meant to be called from its own goroutine per accepted
// connection.
func (d *Downstream) Run() {
	d.stats = d.pool.telemetry.Register(d.id, d.remoteAddr)
	defer d.close()

	for {
		frame, err := d.channel.Recv()
		if err != nil {
			d.logger.Debug("downstream closed", zap.Error(err))
			return
		}
		if err := d.handleFrame(frame); err != nil {
			d.logger.Warn("error handling frame", zap.Error(err), zap.Uint8("msg_type", uint8(frame.Type)))
		}
	}
}

func (d *Downstream) close() {
	d.closeOnce.Do(func() {
		close(d.closeCh)
		d.channel.Close()
		d.pool.removeDownstream(d.id)

		d.mu.Lock()
		channelCount := len(d.channels)
		d.mu.Unlock()

		stats := d.pool.telemetry.Disconnect(d.id)
		var accepted uint64
		if stats != nil {
			accepted = stats.Accepted()
		}
		if d.pool.postgres != nil {
			d.pool.markDisconnected(d.id, channelCount, int64(accepted))
		}
		if d.pool.redisClient != nil {
			d.pool.forgetOnline(d.id)
		}
	})
}

func (d *Downstream) handleFrame(f protocol.Frame) error {
	switch f.Type {
	case protocol.MsgSetupConnection:
		return d.handleSetupConnection(f.Payload)
	case protocol.MsgOpenExtendedMiningChannel:
		return d.handleOpenExtendedMiningChannel(f.Payload)
	case protocol.MsgOpenStandardMiningChannel:
		// Standard (header-only) channels are not served here; answer with
		// a protocol error rather than dropping the connection.
		return d.send(protocol.Frame{
			Type: protocol.MsgOpenMiningChannelError,
			Payload: protocol.EncodeOpenMiningChannelError(protocol.OpenMiningChannelError{
				Reason: "standard channels are not supported",
			}),
		})
	case protocol.MsgSubmitSharesExtended:
		return d.handleSubmitShares(f.Payload)
	default:
		return protocol.ErrUnknownMessageType
	}
}

func (d *Downstream) send(f protocol.Frame) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	return d.channel.Send(f)
}

// sendAll delivers frames in order. Callers build the slice under d.mu
// and release it before calling, so no lock is held across the
// potentially blocking transport write.
func (d *Downstream) sendAll(frames []protocol.Frame) error {
	for _, f := range frames {
		if err := d.send(f); err != nil {
			return fmt.Errorf("downstream %s: send %#x frame: %w", d.id, uint8(f.Type), err)
		}
	}
	return nil
}

func (d *Downstream) handleSetupConnection(payload []byte) error {
	_, err := protocol.DecodeSetupConnection(payload)
	if err != nil {
		return d.send(protocol.Frame{
			Type:    protocol.MsgSetupConnectionError,
			Payload: protocol.EncodeSetupConnectionError(protocol.SetupConnectionError{Reason: "malformed SetupConnection"}),
		})
	}

	return d.send(protocol.Frame{
		Type: protocol.MsgSetupConnectionSuccess,
		Payload: protocol.EncodeSetupConnectionSuccess(protocol.SetupConnectionSuccess{
			UsedVersion: 2,
		}),
	})
}

func (d *Downstream) handleOpenExtendedMiningChannel(payload []byte) error {
	req, err := protocol.DecodeOpenExtendedMiningChannel(payload)
	if err != nil {
		return err
	}

	prefix, err := d.pool.extranonce.NextPrefix()
	if err != nil {
		return d.send(protocol.Frame{
			Type: protocol.MsgOpenMiningChannelError,
			Payload: protocol.EncodeOpenMiningChannelError(protocol.OpenMiningChannelError{
				RequestID: req.RequestID,
				Reason:    "extranonce space exhausted",
			}),
		})
	}

	channelID := d.pool.nextChannelID()
	target := new(big.Int).SetBytes(reverseBytes(req.MaxTarget[:]))
	if target.Sign() == 0 {
		target = d.pool.defaultTarget
	}

	cs := &channelState{
		channelID:        channelID,
		extranoncePrefix: prefix,
		target:           target,
		jobs:             make(map[uint32]*mining.Job),
	}

	d.mu.Lock()
	d.channels[channelID] = cs
	channelCount := len(d.channels)
	d.mu.Unlock()

	d.pool.registerChannel(channelID, d)
	d.pool.telemetry.SetChannelCount(d.id, int32(channelCount))

	var targetBuf [32]byte
	copy(targetBuf[:], reverseBytes(padTo32(target.Bytes())))

	if err := d.send(protocol.Frame{
		Type: protocol.MsgOpenMiningChannelSuccess,
		Payload: protocol.EncodeOpenMiningChannelSuccess(protocol.OpenMiningChannelSuccess{
			RequestID:        req.RequestID,
			ChannelID:        channelID,
			Target:           targetBuf,
			ExtranoncePrefix: prefix,
		}),
	}); err != nil {
		return err
	}

	return d.seedChannel(cs)
}

// seedChannel sends the new channel every job the JobCreator already has
// cached for it, and — if a prev-hash activating one of them is already
// known — an activating SetNewPrevHash right behind it, so a miner
// opening a channel between two NewTemplate events can start mining
// immediately instead of waiting for the next block-cadence template
// cycle.
func (d *Downstream) seedChannel(cs *channelState) error {
	seeds := d.pool.jobCreator.NewGroupChannel(cs.channelID, true, cs.extranoncePrefix, cs.target)

	d.mu.Lock()
	frames := make([]protocol.Frame, 0, 2*len(seeds))
	for _, seed := range seeds {
		job := mining.NewPartialJob(seed.Job)
		cs.jobs[seed.Job.JobID] = job

		frames = append(frames, jobFrame(cs.channelID, seed.Job, seed.FutureJob))

		if !seed.Active {
			continue
		}

		job.UpdateJob(seed.PrevHash, seed.NBits, seed.NTime)
		cs.activeJobID = seed.Job.JobID
		cs.lastNBits = seed.NBits
		cs.lastPrevHash = seed.PrevHash

		frames = append(frames, prevHashFrame(cs.channelID, seed.Job.JobID, seed.PrevHash, seed.NTime, seed.NBits))
	}
	d.mu.Unlock()

	return d.sendAll(frames)
}

// onNewTemplate is invoked by the Pool's template fan-out, with
// jobsByChannel holding the job the JobCreator derived for each of the
// pool's channel ids. It stores each channel's job and sends the
// NewExtendedMiningJob frame — future jobs go out ahead of their
// activating SetNewPrevHash, non-future jobs are usable right away.
func (d *Downstream) onNewTemplate(tmpl templaterx.Template, jobsByChannel map[uint32]mining.PartialJobData) error {
	d.mu.Lock()
	frames := make([]protocol.Frame, 0, len(d.channels))
	for _, cs := range d.channels {
		data, ok := jobsByChannel[cs.channelID]
		if !ok {
			continue
		}
		cs.jobs[data.JobID] = mining.NewPartialJob(data)
		frames = append(frames, jobFrame(cs.channelID, data, tmpl.FutureTemplate))
	}
	d.mu.Unlock()

	return d.sendAll(frames)
}

// onNewPrevHash activates the job matching php.TemplateID on every
// channel that has one, and purges every other not-yet-activated job on
// that channel — the activating NewExtendedMiningJob was already sent by
// an earlier template fan-out, so the wire ordering holds.
func (d *Downstream) onNewPrevHash(php templaterx.SetNewPrevHash) error {
	d.mu.Lock()
	frames := make([]protocol.Frame, 0, len(d.channels))
	for _, cs := range d.channels {
		jobID, ok := d.pool.jobCreator.JobIDFromTemplate(php.TemplateID, cs.channelID)
		if !ok {
			continue
		}
		job, ok := cs.jobs[jobID]
		if !ok {
			continue
		}
		job.UpdateJob(php.PrevHash, php.NBits, php.HeaderTimestamp)

		// Keep the newly activated job plus the previous generation's
		// active job, so shares already in flight still validate against
		// the nbits they were mined for. Everything older, and every
		// stale future job, is dropped — the table stays at two entries
		// per channel no matter how long the connection lives.
		for id := range cs.jobs {
			if id != jobID && id != cs.activeJobID {
				delete(cs.jobs, id)
			}
		}

		cs.activeJobID = jobID
		cs.lastNBits = php.NBits
		cs.lastPrevHash = php.PrevHash

		frames = append(frames, prevHashFrame(cs.channelID, jobID, php.PrevHash, php.HeaderTimestamp, php.NBits))
	}
	d.mu.Unlock()

	return d.sendAll(frames)
}

func (d *Downstream) handleSubmitShares(payload []byte) error {
	m, err := protocol.DecodeSubmitSharesExtended(payload)
	if err != nil {
		return err
	}

	if !d.limiter.Allow() {
		return d.rejectShare(m, "submit rate exceeded")
	}

	d.mu.Lock()
	cs, ok := d.channels[m.ChannelID]
	d.mu.Unlock()
	if !ok {
		return d.rejectShare(m, "unknown channel")
	}

	csJob, ok := func() (*mining.Job, bool) {
		d.mu.Lock()
		defer d.mu.Unlock()
		j, ok := cs.jobs[m.JobID]
		return j, ok
	}()
	if !ok {
		return d.rejectShare(m, "unknown job id")
	}

	if d.pool.redisClient != nil {
		replay, err := d.pool.checkReplay(m.ChannelID, m.JobID, m.SequenceNumber)
		if err != nil {
			d.logger.Warn("replay check failed", zap.Error(err))
		} else if replay {
			return d.rejectShare(m, "duplicate share")
		}
	}

	fullExtranonce, err := mining.FixExtranonce(cs.extranoncePrefix, m.ExtranonceSuffix, d.pool.extranonce.Size())
	if err != nil {
		return d.rejectShare(m, "bad extranonce")
	}

	outcome, solution, err := csJob.ValidateTarget(fullExtranonce, m.NTime, m.Nonce, m.Version)
	if err != nil {
		return d.rejectShare(m, err.Error())
	}

	// Snapshot before any demotion: the share that found a block still
	// counts in the success frame it is answered with.
	sharesSum := csJob.SharesSum()

	switch outcome {
	case mining.Invalid:
		return d.rejectShare(m, "target not met")
	case mining.ValidNetworkTarget:
		// A network-target share solves the current template: demote the
		// job back to Partial immediately so the next template refresh
		// rebuilds it against the new chain tip.
		csJob.MakePartial()
		d.pool.telemetry.RecordBlockFound()
		d.pool.onBlockFound(cs.channelID, *solution, sharesSum)
		fallthrough
	case mining.ValidDownstream:
		d.pool.telemetry.RecordAccepted(d.id)
		if d.pool.redisClient != nil {
			d.pool.incrementAccepted(d.id)
		}
		return d.send(protocol.Frame{
			Type: protocol.MsgSubmitSharesSuccess,
			Payload: protocol.EncodeSubmitSharesSuccess(protocol.SubmitSharesSuccess{
				ChannelID:               m.ChannelID,
				LastSequenceNumber:      m.SequenceNumber,
				NewSubmitsAcceptedCount: 1,
				NewSharesSum:            sharesSum,
			}),
		})
	}
	return nil
}

func (d *Downstream) rejectShare(m protocol.SubmitSharesExtended, reason string) error {
	d.pool.telemetry.RecordRejected(d.id)
	return d.send(protocol.Frame{
		Type: protocol.MsgSubmitSharesError,
		Payload: protocol.EncodeSubmitSharesError(protocol.SubmitSharesError{
			ChannelID:      m.ChannelID,
			SequenceNumber: m.SequenceNumber,
			Reason:         protocol.STR0_255(reason),
		}),
	})
}

func jobFrame(channelID uint32, data mining.PartialJobData, future bool) protocol.Frame {
	return protocol.Frame{
		Type: protocol.MsgNewExtendedMiningJob,
		Payload: protocol.EncodeNewExtendedMiningJob(protocol.NewExtendedMiningJob{
			ChannelID:             channelID,
			JobID:                 data.JobID,
			FutureJob:             future,
			Version:               data.Version,
			VersionRollingAllowed: true,
			MerklePath:            data.MerklePath,
			CoinbaseTxPrefix:      data.CoinbaseTxPrefix,
			CoinbaseTxSuffix:      data.CoinbaseTxSuffix,
		}),
	}
}

func prevHashFrame(channelID, jobID uint32, prevHash []byte, minNTime, nBits uint32) protocol.Frame {
	var prevHashBuf [32]byte
	copy(prevHashBuf[:], prevHash)
	return protocol.Frame{
		Type: protocol.MsgSetNewPrevHash,
		Payload: protocol.EncodeSetNewPrevHash(protocol.SetNewPrevHash{
			ChannelID: channelID,
			JobID:     jobID,
			PrevHash:  prevHashBuf,
			MinNTime:  minNTime,
			NBits:     nBits,
		}),
	}
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func padTo32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
