// Package pool implements the concurrent dispatch fabric: the per-
// downstream actors (Downstream) and the Pool that fans out templates and
// prev-hash activations to all of them.
package pool

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/viddhana/sv2pool/internal/config"
	"github.com/viddhana/sv2pool/internal/jobcreator"
	"github.com/viddhana/sv2pool/internal/mining"
	"github.com/viddhana/sv2pool/internal/noise"
	"github.com/viddhana/sv2pool/internal/storage"
	"github.com/viddhana/sv2pool/internal/telemetry"
	"github.com/viddhana/sv2pool/internal/templaterx"
)

// Pool owns every connected Downstream, the extranonce allocator, the
// channel-id sequence, and the Template Provider link (job ids come from
// the JobCreator). It fans
// NewTemplate and SetNewPrevHash events out to every channel across every
// downstream.
type Pool struct {
	cfg        config.PoolConfig
	logger     *zap.Logger
	responder  *noise.Responder
	extranonce *mining.ExtendedExtranonce
	jobCreator jobcreator.JobCreator
	template   *templaterx.Client
	telemetry  *telemetry.Manager

	redisClient *storage.RedisClient
	postgres    *storage.PostgresClient

	defaultTarget *big.Int

	channelIDSeq uint32

	mu          sync.RWMutex
	downstreams map[string]*Downstream
	channels    map[uint32]*Downstream // channel_id -> owning downstream

	// barrier guards against the prev-hash fan-out racing ahead of the
	// NewTemplate fan-out for the same (or a later) template.
	barrierMu         sync.Mutex
	barrierCond       *sync.Cond
	templateProcessed bool
}

// New builds a Pool from its wired dependencies. The caller is
// responsible for calling Run to start accepting connections.
func New(
	cfg config.PoolConfig,
	logger *zap.Logger,
	responder *noise.Responder,
	extranonce *mining.ExtendedExtranonce,
	jc jobcreator.JobCreator,
	tc *templaterx.Client,
	tel *telemetry.Manager,
	redisClient *storage.RedisClient,
	postgres *storage.PostgresClient,
) *Pool {
	p := &Pool{
		cfg:           cfg,
		logger:        logger.Named("pool"),
		responder:     responder,
		extranonce:    extranonce,
		jobCreator:    jc,
		template:      tc,
		telemetry:     tel,
		redisClient:   redisClient,
		postgres:      postgres,
		defaultTarget: new(big.Int).Lsh(big.NewInt(1), 256-32), // a conservative fallback pool-set difficulty
		downstreams:   make(map[string]*Downstream),
		channels:      make(map[uint32]*Downstream),
	}
	p.barrierCond = sync.NewCond(&p.barrierMu)
	return p
}

// Run starts the Template Provider fan-out loops and the downstream
// accept loop, blocking until ctx is cancelled or the listener fails.
func (p *Pool) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("pool: listen on %s: %w", p.cfg.ListenAddress, err)
	}
	defer listener.Close()

	p.logger.Info("listening for downstream connections", zap.String("address", p.cfg.ListenAddress))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.runTemplateFanout(ctx) }()
	go func() { defer wg.Done(); p.runPrevHashFanout(ctx) }()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		if p.countDownstreams() >= p.cfg.MaxConnections {
			p.logger.Warn("rejecting connection: max_connections reached", zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		go p.acceptConnection(conn)
	}

	wg.Wait()
	return nil
}

func (p *Pool) acceptConnection(conn net.Conn) {
	ch, err := p.responder.Handshake(conn)
	if err != nil {
		p.logger.Debug("noise handshake failed", zap.Error(err), zap.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return
	}

	id := uuid.New().String()[:8]
	d := newDownstream(id, conn.RemoteAddr().String(), ch, p)

	p.mu.Lock()
	p.downstreams[id] = d
	p.mu.Unlock()

	if p.redisClient != nil {
		if err := p.redisClient.AddOnlineDownstream(context.Background(), id); err != nil {
			p.logger.Warn("failed to record online downstream", zap.Error(err))
		}
	}
	if p.postgres != nil {
		if err := p.postgres.UpsertDownstreamConnected(context.Background(), id, d.remoteAddr); err != nil {
			p.logger.Warn("failed to record downstream connection", zap.Error(err))
		}
	}

	p.logger.Info("downstream connected", zap.String("downstream_id", id), zap.String("remote", d.remoteAddr))
	d.Run()
}

func (p *Pool) countDownstreams() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.downstreams)
}

func (p *Pool) removeDownstream(id string) {
	p.mu.Lock()
	delete(p.downstreams, id)
	for cid, d := range p.channels {
		if d.id == id {
			delete(p.channels, cid)
		}
	}
	p.mu.Unlock()
	p.logger.Info("downstream disconnected", zap.String("downstream_id", id))
}

func (p *Pool) registerChannel(channelID uint32, d *Downstream) {
	p.mu.Lock()
	p.channels[channelID] = d
	p.mu.Unlock()
}

func (p *Pool) nextChannelID() uint32 {
	return atomic.AddUint32(&p.channelIDSeq, 1)
}

// snapshotDownstreams returns every currently connected downstream, to
// fan out to without holding p.mu across the (possibly slow) per-
// downstream send — following the "lock, clone send handles, unlock,
// await send" discipline.
func (p *Pool) snapshotDownstreams() []*Downstream {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Downstream, 0, len(p.downstreams))
	for _, d := range p.downstreams {
		out = append(out, d)
	}
	return out
}

func (p *Pool) runTemplateFanout(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tmpl, ok := <-p.template.NewTemplateCh:
			if !ok {
				return
			}
			p.onNewTemplate(tmpl)
		}
	}
}

func (p *Pool) runPrevHashFanout(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case php, ok := <-p.template.NewPrevHashCh:
			if !ok {
				return
			}
			p.onNewPrevHash(php)
		}
	}
}

// onNewTemplate fans a template out to every downstream's every channel.
// It clears templateProcessed before starting and sets it once every
// downstream has been sent its job, so a concurrently arriving
// SetNewPrevHash referencing this template blocks until the fan-out is
// visible everywhere. Without the barrier a downstream could be told to
// activate a job_id it has never been sent.
func (p *Pool) onNewTemplate(tmpl templaterx.Template) {
	p.barrierMu.Lock()
	p.templateProcessed = false
	p.barrierMu.Unlock()

	jobsByChannel := p.jobCreator.OnNewTemplate(tmpl)

	downstreams := p.snapshotDownstreams()
	for _, d := range downstreams {
		if err := d.onNewTemplate(tmpl, jobsByChannel); err != nil {
			p.logger.Warn("template fan-out failed", zap.Error(err), zap.String("downstream_id", d.id))
		}
	}

	p.barrierMu.Lock()
	p.templateProcessed = true
	p.barrierCond.Broadcast()
	p.barrierMu.Unlock()
}

func (p *Pool) onNewPrevHash(php templaterx.SetNewPrevHash) {
	p.barrierMu.Lock()
	for !p.templateProcessed {
		p.barrierCond.Wait()
	}
	// Consume the flag: each prev-hash fan-out pairs with one completed
	// template fan-out, so the next prev-hash waits for its own template.
	p.templateProcessed = false
	p.barrierMu.Unlock()

	p.jobCreator.OnNewPrevHash(php)

	downstreams := p.snapshotDownstreams()
	for _, d := range downstreams {
		if err := d.onNewPrevHash(php); err != nil {
			p.logger.Warn("prev-hash fan-out failed", zap.Error(err), zap.String("downstream_id", d.id))
		}
	}
}

func (p *Pool) checkReplay(channelID, jobID, sequenceNumber uint32) (bool, error) {
	return p.redisClient.CheckShareReplay(context.Background(), channelID, jobID, sequenceNumber)
}

func (p *Pool) incrementAccepted(downstreamID string) {
	if err := p.redisClient.IncrementAcceptedShares(context.Background(), downstreamID); err != nil {
		p.logger.Warn("failed to increment accepted shares", zap.Error(err))
	}
}

func (p *Pool) forgetOnline(downstreamID string) {
	if err := p.redisClient.RemoveOnlineDownstream(context.Background(), downstreamID); err != nil {
		p.logger.Warn("failed to remove online downstream", zap.Error(err))
	}
}

func (p *Pool) markDisconnected(downstreamID string, channelCount int, acceptedShares int64) {
	if err := p.postgres.MarkDownstreamDisconnected(context.Background(), downstreamID, channelCount, acceptedShares); err != nil {
		p.logger.Warn("failed to mark downstream disconnected", zap.Error(err))
	}
}

// onBlockFound submits the winning solution upstream to the Template
// Provider and records it in Postgres. sharesSum is the winning job's
// accepted-share count, snapshotted before the job was demoted.
func (p *Pool) onBlockFound(channelID uint32, sol mining.SubmitSolutionData, sharesSum uint64) {
	p.logger.Info("network target met",
		zap.Uint32("channel_id", channelID),
		zap.Uint64("template_id", sol.TemplateID),
		zap.Uint32("nonce", sol.HeaderNonce))

	p.template.SubmitBlockSolution(templaterx.SubmitSolution{
		TemplateID:      sol.TemplateID,
		Version:         sol.Version,
		HeaderTimestamp: sol.HeaderTimestamp,
		HeaderNonce:     sol.HeaderNonce,
		CoinbaseTx:      sol.CoinbaseTx,
	})

	if p.postgres != nil {
		err := p.postgres.InsertBlockFound(context.Background(), &storage.BlockFound{
			ChannelID:    channelID,
			TemplateID:   sol.TemplateID,
			BlockHash:    sol.BlockHash,
			NewSharesSum: sharesSum,
			FoundAt:      time.Now(),
		})
		if err != nil {
			p.logger.Error("failed to record found block", zap.Error(err))
		}
	}
}
