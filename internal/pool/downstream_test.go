package pool

import (
	"math/big"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/viddhana/sv2pool/internal/config"
	"github.com/viddhana/sv2pool/internal/jobcreator"
	"github.com/viddhana/sv2pool/internal/mining"
	"github.com/viddhana/sv2pool/internal/protocol"
	"github.com/viddhana/sv2pool/internal/telemetry"
	"github.com/viddhana/sv2pool/internal/templaterx"
)

// fakeChannel is an in-memory protocol.FrameChannel recording every frame
// sent to it, standing in for the real noise-encrypted transport.
type fakeChannel struct {
	mu  sync.Mutex
	out []protocol.Frame
}

func (f *fakeChannel) Recv() (protocol.Frame, error) {
	select {}
}

func (f *fakeChannel) Send(frame protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, frame)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) frames() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Frame, len(f.out))
	copy(out, f.out)
	return out
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()

	persist := &testPersister{}
	extranonce, err := mining.NewExtendedExtranonce(32, nil, 16, persist)
	if err != nil {
		t.Fatalf("NewExtendedExtranonce: %v", err)
	}

	return New(
		config.PoolConfig{MaxConnections: 10},
		zap.NewNop(),
		nil, // noise responder unused by these tests
		extranonce,
		jobcreator.New(),
		&templaterx.Client{}, // unused fields only
		telemetry.NewManager(),
		nil,
		nil,
	)
}

type testPersister struct{ n uint64 }

func (p *testPersister) LoadCounter() (uint64, error) { return p.n, nil }
func (p *testPersister) SaveCounter(n uint64) error   { p.n = n; return nil }

// TestOrderingContractFutureJobBeforeActivation checks the wire ordering
// contract: the future NewExtendedMiningJob for a channel must be sent
// strictly before the SetNewPrevHash that activates it.
func TestOrderingContractFutureJobBeforeActivation(t *testing.T) {
	p := newTestPool(t)
	fc := &fakeChannel{}
	d := newDownstream("dstream1", "127.0.0.1:1", fc, p)

	prefix, err := p.extranonce.NextPrefix()
	if err != nil {
		t.Fatalf("NextPrefix: %v", err)
	}
	cs := &channelState{
		channelID:        1,
		extranoncePrefix: prefix,
		target:           bigOne(),
		jobs:             make(map[uint32]*mining.Job),
	}
	d.channels[1] = cs
	p.jobCreator.NewGroupChannel(1, true, prefix, bigOne())

	tmpl := templaterx.Template{
		TemplateID:     99,
		FutureTemplate: true,
		Version:        0x20000000,
		CoinbasePrefix: []byte("cb-prefix"),
	}
	jobsByChannel := p.jobCreator.OnNewTemplate(tmpl)
	if err := d.onNewTemplate(tmpl, jobsByChannel); err != nil {
		t.Fatalf("onNewTemplate: %v", err)
	}

	php := templaterx.SetNewPrevHash{
		TemplateID:      99,
		PrevHash:        make([]byte, 32),
		HeaderTimestamp: 1700000000,
		NBits:           0x1d00ffff,
	}
	if err := d.onNewPrevHash(php); err != nil {
		t.Fatalf("onNewPrevHash: %v", err)
	}

	frames := fc.frames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames sent (job, then prev-hash), got %d", len(frames))
	}
	if frames[0].Type != protocol.MsgNewExtendedMiningJob {
		t.Fatalf("frame 0 = %v, want MsgNewExtendedMiningJob", frames[0].Type)
	}
	if frames[1].Type != protocol.MsgSetNewPrevHash {
		t.Fatalf("frame 1 = %v, want MsgSetNewPrevHash", frames[1].Type)
	}

	job, ok := cs.jobs[cs.activeJobID]
	if !ok || !job.IsComplete() {
		t.Fatalf("expected the activated job to be Complete")
	}
}

// TestFutureJobsPurgedOnActivation checks that every future job on a
// channel other than the one just activated is dropped.
func TestFutureJobsPurgedOnActivation(t *testing.T) {
	p := newTestPool(t)
	fc := &fakeChannel{}
	d := newDownstream("dstream1", "127.0.0.1:1", fc, p)

	prefix, _ := p.extranonce.NextPrefix()
	cs := &channelState{
		channelID:        1,
		extranoncePrefix: prefix,
		target:           bigOne(),
		jobs:             make(map[uint32]*mining.Job),
	}
	d.channels[1] = cs
	p.jobCreator.NewGroupChannel(1, true, prefix, bigOne())

	// Two future templates arrive before any prev-hash.
	jobsByChannel1 := p.jobCreator.OnNewTemplate(templaterx.Template{TemplateID: 1, FutureTemplate: true})
	if err := d.onNewTemplate(templaterx.Template{TemplateID: 1, FutureTemplate: true}, jobsByChannel1); err != nil {
		t.Fatalf("onNewTemplate 1: %v", err)
	}
	jobsByChannel2 := p.jobCreator.OnNewTemplate(templaterx.Template{TemplateID: 2, FutureTemplate: true})
	if err := d.onNewTemplate(templaterx.Template{TemplateID: 2, FutureTemplate: true}, jobsByChannel2); err != nil {
		t.Fatalf("onNewTemplate 2: %v", err)
	}
	if len(cs.jobs) != 2 {
		t.Fatalf("expected 2 pending future jobs, got %d", len(cs.jobs))
	}

	// Activating template 2 must purge template 1's now-stale job.
	php := templaterx.SetNewPrevHash{TemplateID: 2, PrevHash: make([]byte, 32), NBits: 0x1d00ffff}
	if err := d.onNewPrevHash(php); err != nil {
		t.Fatalf("onNewPrevHash: %v", err)
	}

	if len(cs.jobs) != 1 {
		t.Fatalf("expected exactly 1 job to survive activation, got %d", len(cs.jobs))
	}
}

func bigOne() *big.Int { return big.NewInt(1) }
