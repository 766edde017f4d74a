package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
	"github.com/eidos-exchange/eidos-endpoints/internal/prober"
	"github.com/eidos-exchange/eidos-endpoints/internal/registry"
	"github.com/eidos-exchange/eidos-endpoints/internal/scorer"
	"github.com/eidos-exchange/eidos-endpoints/pkg/errors"
)

// fakeClock 手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeProber 按名称返回预设状态，可以阻塞在 gate 上
type fakeProber struct {
	mu      sync.Mutex
	status  map[string]model.Status
	latency map[string]time.Duration
	gate    chan struct{}
	entered chan struct{}
	calls   atomic.Int32
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		status:  make(map[string]model.Status),
		latency: make(map[string]time.Duration),
	}
}

func (p *fakeProber) set(name string, status model.Status, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[name] = status
	p.latency[name] = latency
}

func (p *fakeProber) hold() (entered <-chan struct{}, release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
	p.entered = make(chan struct{}, 1)
	gate := p.gate
	return p.entered, func() { close(gate) }
}

func (p *fakeProber) ProbeAll(_ context.Context, endpoints []model.Endpoint) []model.ProbeResult {
	p.calls.Add(1)

	p.mu.Lock()
	gate, entered := p.gate, p.entered
	p.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.ProbeResult, 0, len(endpoints))
	for _, e := range endpoints {
		st, ok := p.status[e.Name]
		if !ok {
			st = model.StatusHealthy
		}
		r := model.ProbeResult{
			Name:        e.Name,
			Kind:        e.Kind,
			Status:      st,
			CheckedAt:   time.Now(),
			PrimaryOK:   st != model.StatusDown,
			SecondaryOK: st == model.StatusHealthy,
		}
		if st != model.StatusDown {
			l := p.latency[e.Name]
			r.Latency = &l
		}
		out = append(out, r)
	}
	return out
}

func (p *fakeProber) Inspect(_ context.Context, ep *model.Endpoint) (*model.ConnectionReport, error) {
	round := uint64(42)
	return &model.ConnectionReport{Kind: ep.Kind, Name: ep.Name, URL: ep.PrimaryURL, StatusCode: 200, LastRound: &round}, nil
}

// fakeHistory 记录写入的探测历史
type fakeHistory struct {
	mu    sync.Mutex
	saved [][]*model.ProbeRecord
	limit int
}

func (h *fakeHistory) SaveBatch(_ context.Context, records []*model.ProbeRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved = append(h.saved, records)
	return nil
}

func (h *fakeHistory) ListRecent(_ context.Context, _ model.Kind, name string, limit int) ([]*model.ProbeRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limit = limit
	return []*model.ProbeRecord{{Name: name}}, nil
}

func rpc(name string, tier, priority int, features ...string) model.Endpoint {
	return model.Endpoint{
		Name:           name,
		Kind:           model.KindBlockchainRPC,
		Tier:           tier,
		PrimaryURL:     "https://" + name + "-api.example.com",
		SecondaryURL:   "https://" + name + "-idx.example.com",
		Priority:       priority,
		Features:       features,
		DeclaredUptime: model.DefaultDeclaredUptime,
	}
}

func api(name string, priority int) model.Endpoint {
	return model.Endpoint{
		Name:           name,
		Kind:           model.KindProtocolAPI,
		PrimaryURL:     "https://api." + name + ".example.com",
		Priority:       priority,
		DeclaredUptime: model.DefaultDeclaredUptime,
	}
}

type fixture struct {
	svc     *EndpointService
	prober  *fakeProber
	clock   *fakeClock
	logs    *observer.ObservedLogs
	history *fakeHistory
}

func newFixture(t *testing.T, endpoints ...model.Endpoint) *fixture {
	t.Helper()
	reg, err := registry.New(endpoints)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		prober:  newFakeProber(),
		clock:   newFakeClock(),
		logs:    logs,
		history: &fakeHistory{},
	}
	f.svc = New(reg, f.prober, scorer.New(scorer.DefaultParams()),
		Config{Interval: 300 * time.Second},
		WithClock(f.clock.Now),
		WithLogger(zap.New(core)),
		WithHistory(f.history),
	)
	return f
}

func (f *fixture) primarySwitches() []observer.LoggedEntry {
	return f.logs.FilterMessage("primary endpoint switched").All()
}

func TestCurrentEndpoints_LatencyOutweighsFeature(t *testing.T) {
	f := newFixture(t,
		rpc("A", 1, model.DefaultPriority),
		rpc("B", 1, model.DefaultPriority, model.FeatureNoRateLimit),
	)
	f.prober.set("A", model.StatusHealthy, 80*time.Millisecond)
	f.prober.set("B", model.StatusHealthy, 900*time.Millisecond)

	pair, err := f.svc.CurrentEndpoints(context.Background(), model.KindBlockchainRPC)
	require.NoError(t, err)
	assert.Equal(t, "A", pair.Primary.Name)
	assert.Equal(t, "https://A-api.example.com", pair.Primary.PrimaryURL)
	assert.Equal(t, "https://A-idx.example.com", pair.Primary.SecondaryURL)
	assert.Equal(t, "B", pair.Backup.Name)
	assert.True(t, pair.Primary.Score.GreaterThan(pair.Backup.Score))
}

func TestEnsureFresh_IdempotentWithinInterval(t *testing.T) {
	f := newFixture(t, rpc("A", 1, 1), rpc("B", 1, 2))
	ctx := context.Background()

	require.NoError(t, f.svc.EnsureFresh(ctx))
	require.NoError(t, f.svc.EnsureFresh(ctx))
	_, err := f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.prober.calls.Load())

	f.clock.Advance(299 * time.Second)
	require.NoError(t, f.svc.EnsureFresh(ctx))
	assert.Equal(t, int32(1), f.prober.calls.Load())

	f.clock.Advance(time.Second)
	require.NoError(t, f.svc.EnsureFresh(ctx))
	assert.Equal(t, int32(2), f.prober.calls.Load())

	require.NoError(t, f.svc.ProbeNow(ctx))
	assert.Equal(t, int32(3), f.prober.calls.Load(), "ProbeNow bypasses the interval")
}

func TestSwitchover_PrimaryDownEmitsOneEvent(t *testing.T) {
	f := newFixture(t, rpc("A", 1, 1), rpc("B", 1, 2), rpc("C", 2, 3))
	ctx := context.Background()

	pair, err := f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	require.NoError(t, err)
	require.Equal(t, "A", pair.Primary.Name)
	assert.Empty(t, f.primarySwitches(), "first selection is not a switchover")

	f.prober.set("A", model.StatusDown, 0)
	require.NoError(t, f.svc.ProbeNow(ctx))

	pair, err = f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	require.NoError(t, err)
	assert.Equal(t, "B", pair.Primary.Name)
	assert.Equal(t, "C", pair.Backup.Name)
	require.Len(t, f.primarySwitches(), 1)

	// 状态不变时再次对账不会产生新的切换
	require.NoError(t, f.svc.ProbeNow(ctx))
	assert.Len(t, f.primarySwitches(), 1)
}

func TestSwitchover_ToLowerTierLogsBothNames(t *testing.T) {
	f := newFixture(t, rpc("A", 1, 1), rpc("C", 2, 5))
	ctx := context.Background()

	pair, err := f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	require.NoError(t, err)
	require.Equal(t, "A", pair.Primary.Name)

	f.prober.set("A", model.StatusDown, 0)
	f.clock.Advance(301 * time.Second)

	pair, err = f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	require.NoError(t, err)
	assert.Equal(t, "C", pair.Primary.Name)
	assert.Equal(t, "C", pair.Backup.Name, "single eligible endpoint is also the backup")

	switches := f.primarySwitches()
	require.Len(t, switches, 1)
	assert.Equal(t, zapcore.WarnLevel, switches[0].Level)
	fields := switches[0].ContextMap()
	assert.Equal(t, "A", fields["from"])
	assert.Equal(t, "C", fields["to"])
	assert.NotEmpty(t, fields["from_score"])
	assert.NotEmpty(t, fields["to_score"])
	assert.NotEmpty(t, fields["event_id"])
}

func TestAllDown_KeepsCachedSelection(t *testing.T) {
	f := newFixture(t, rpc("A", 1, 1), rpc("B", 1, 2))
	ctx := context.Background()

	_, err := f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	require.NoError(t, err)

	f.prober.set("A", model.StatusDown, 0)
	f.prober.set("B", model.StatusDown, 0)
	require.NoError(t, f.svc.ProbeNow(ctx))

	_, err = f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoEndpointAvailable))
	assert.False(t, f.svc.Available(model.KindBlockchainRPC))

	snap := f.svc.StatusSnapshot(ctx)
	require.Len(t, snap.Selections, 1)
	sel := snap.Selections[0]
	assert.False(t, sel.Available)
	require.NotNil(t, sel.Primary)
	assert.Equal(t, "A", sel.Primary.Name)
	require.NotNil(t, sel.Backup)
	assert.Equal(t, "B", sel.Backup.Name)

	assert.Len(t, f.logs.FilterMessage("no endpoint available").All(), 1)

	// 恢复后重新可用
	f.prober.set("B", model.StatusHealthy, 10*time.Millisecond)
	require.NoError(t, f.svc.ProbeNow(ctx))
	pair, err := f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	require.NoError(t, err)
	assert.Equal(t, "B", pair.Primary.Name)
}

func TestAllTimeouts_ReturnExplicitError(t *testing.T) {
	hang := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(hang.Close)

	endpoints := []model.Endpoint{
		{Name: "n1", Kind: model.KindBlockchainRPC, Tier: 1, PrimaryURL: hang.URL, SecondaryURL: hang.URL, Priority: 1, DeclaredUptime: 0.99},
		{Name: "n2", Kind: model.KindBlockchainRPC, Tier: 1, PrimaryURL: hang.URL, SecondaryURL: hang.URL, Priority: 2, DeclaredUptime: 0.99},
		{Name: "n3", Kind: model.KindBlockchainRPC, Tier: 2, PrimaryURL: hang.URL, SecondaryURL: hang.URL, Priority: 3, DeclaredUptime: 0.95},
	}
	reg, err := registry.New(endpoints)
	require.NoError(t, err)

	cfg := prober.DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	p := prober.New(cfg, prober.WithLogger(zap.NewNop()))
	svc := New(reg, p, scorer.New(scorer.DefaultParams()), Config{}, WithLogger(zap.NewNop()))

	start := time.Now()
	_, err = svc.CurrentEndpoints(context.Background(), model.KindBlockchainRPC)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoEndpointAvailable))
	assert.Equal(t, "kind", firstDetailKey(err))
	assert.Less(t, time.Since(start), 2*time.Second, "records are probed concurrently")

	for _, e := range svc.StatusSnapshot(context.Background()).Endpoints {
		assert.Equal(t, model.StatusDown, e.Status)
		assert.Nil(t, e.LatencyMs)
		assert.NotEmpty(t, e.Error)
	}
}

func firstDetailKey(err error) string {
	var bizErr *errors.Error
	if !errors.As(err, &bizErr) {
		return ""
	}
	for k := range bizErr.Details {
		return k
	}
	return ""
}

func TestCurrentEndpoints_UnknownKind(t *testing.T) {
	f := newFixture(t, rpc("A", 1, 1))
	_, err := f.svc.CurrentEndpoints(context.Background(), model.Kind("solana_rpc"))
	assert.True(t, errors.Is(err, errors.ErrEndpointNotFound))
	assert.Equal(t, int32(0), f.prober.calls.Load())
}

func TestBestProtocolAPI(t *testing.T) {
	f := newFixture(t, rpc("A", 1, 1), api("pact", 1), api("tinyman", 2))
	ctx := context.Background()

	name, err := f.svc.BestProtocolAPI(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "pact", name)

	f.prober.set("pact", model.StatusDown, 0)
	require.NoError(t, f.svc.ProbeNow(ctx))
	name, err = f.svc.BestProtocolAPI(ctx, model.KindProtocolAPI)
	require.NoError(t, err)
	assert.Equal(t, "tinyman", name)

	f.prober.set("tinyman", model.StatusDown, 0)
	require.NoError(t, f.svc.ProbeNow(ctx))
	_, err = f.svc.BestProtocolAPI(ctx, "")
	assert.True(t, errors.Is(err, errors.ErrNoEndpointAvailable))

	// 协议 API 全部不可用不影响节点类别
	_, err = f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	assert.NoError(t, err)
}

func TestSeededSelection(t *testing.T) {
	f := newFixture(t, rpc("algonode", 1, 1), rpc("purestake", 1, 2))
	f.svc.Seed(model.SelectionState{Kind: model.KindBlockchainRPC, PrimaryName: "algonode", BackupName: "purestake"})

	snap := f.svc.StatusSnapshot(context.Background())
	require.Len(t, snap.Selections, 1)
	assert.False(t, snap.Selections[0].Available)
	assert.Equal(t, "algonode", snap.Selections[0].Primary.Name)
	assert.Nil(t, snap.LastReconciledAt)
	assert.Equal(t, int32(0), f.prober.calls.Load(), "snapshot never probes")

	pair, err := f.svc.CurrentEndpoints(context.Background(), model.KindBlockchainRPC)
	require.NoError(t, err)
	assert.Equal(t, "algonode", pair.Primary.Name)
	assert.Equal(t, int32(1), f.prober.calls.Load())
	assert.Empty(t, f.primarySwitches(), "confirming the seed is not a switchover")
}

func TestConcurrentCallers_ShareOnePass(t *testing.T) {
	f := newFixture(t, rpc("A", 1, 1), rpc("B", 1, 2))
	entered, release := f.prober.hold()

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CurrentEndpoints(context.Background(), model.KindBlockchainRPC)
			errs <- err
		}()
	}

	<-entered
	release()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.prober.calls.Load())
}

func TestStaleCallerServedWhilePassRuns(t *testing.T) {
	f := newFixture(t, rpc("A", 1, 1), rpc("B", 1, 2))
	ctx := context.Background()

	_, err := f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	entered, release := f.prober.hold()
	done := make(chan error, 1)
	go func() { done <- f.svc.ProbeNow(ctx) }()
	<-entered

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	pair, err := f.svc.CurrentEndpoints(cctx, model.KindBlockchainRPC)
	require.NoError(t, err, "cached selection is served without waiting")
	assert.Equal(t, "A", pair.Primary.Name)

	release()
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), f.prober.calls.Load())
}

func TestCallerCancelDoesNotAbortPass(t *testing.T) {
	f := newFixture(t, rpc("A", 1, 1))
	entered, release := f.prober.hold()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		<-entered
		<-ctx.Done()
		release()
	}()

	_, err := f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool { return f.svc.Available(model.KindBlockchainRPC) }, time.Second, 5*time.Millisecond)
	_, err = f.svc.CurrentEndpoints(context.Background(), model.KindBlockchainRPC)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.prober.calls.Load())
}

func TestStatusSnapshot(t *testing.T) {
	f := newFixture(t, rpc("A", 1, 1), rpc("B", 2, 2), api("pact", 1))
	f.prober.set("A", model.StatusHealthy, 40*time.Millisecond)
	f.prober.set("B", model.StatusDegraded, 600*time.Millisecond)
	f.prober.set("pact", model.StatusDown, 0)
	require.NoError(t, f.svc.ProbeNow(context.Background()))

	snap := f.svc.StatusSnapshot(context.Background())
	require.Len(t, snap.Endpoints, 3)
	require.NotNil(t, snap.LastReconciledAt)
	assert.Equal(t, f.clock.Now(), *snap.LastReconciledAt)

	a := snap.Endpoints[0]
	assert.Equal(t, "A", a.Name)
	assert.Equal(t, model.StatusHealthy, a.Status)
	require.NotNil(t, a.LatencyMs)
	assert.Equal(t, int64(40), *a.LatencyMs)
	assert.True(t, a.Score.IsPositive())

	b := snap.Endpoints[1]
	assert.Equal(t, model.StatusDegraded, b.Status)
	assert.True(t, b.PrimaryOK)
	assert.False(t, b.SecondaryOK)

	assert.Equal(t, model.StatusDown, snap.Endpoints[2].Status)
	assert.Nil(t, snap.Endpoints[2].LatencyMs)

	require.Len(t, snap.Selections, 2)
	assert.Equal(t, model.KindBlockchainRPC, snap.Selections[0].Kind)
	assert.True(t, snap.Selections[0].Available)
	assert.Equal(t, model.KindProtocolAPI, snap.Selections[1].Kind)
	assert.False(t, snap.Selections[1].Available)
}

func TestTestConnection(t *testing.T) {
	f := newFixture(t, rpc("A", 1, 1), rpc("B", 1, 2))
	report, err := f.svc.TestConnection(context.Background(), model.KindBlockchainRPC)
	require.NoError(t, err)
	assert.Equal(t, "A", report.Name)
	require.NotNil(t, report.LastRound)
	assert.Equal(t, uint64(42), *report.LastRound)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, rpc("A", 1, 1), rpc("B", 1, 2))
	ctx := context.Background()
	require.NoError(t, f.svc.ProbeNow(ctx))

	require.Len(t, f.history.saved, 1)
	rows := f.history.saved[0]
	require.Len(t, rows, 2)
	assert.Equal(t, rows[0].PassID, rows[1].PassID)
	assert.NotEmpty(t, rows[0].PassID)

	records, err := f.svc.History(ctx, model.KindBlockchainRPC, "A", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, defaultHistoryLimit, f.history.limit)

	_, err = f.svc.History(ctx, model.KindBlockchainRPC, "A", 10_000)
	require.NoError(t, err)
	assert.Equal(t, maxHistoryLimit, f.history.limit)

	_, err = f.svc.History(ctx, model.KindBlockchainRPC, "missing", 10)
	assert.True(t, errors.Is(err, errors.ErrEndpointNotFound))

	reg, err := registry.New([]model.Endpoint{rpc("A", 1, 1)})
	require.NoError(t, err)
	noHistory := New(reg, f.prober, scorer.New(scorer.DefaultParams()), Config{}, WithLogger(zap.NewNop()))
	_, err = noHistory.History(ctx, model.KindBlockchainRPC, "A", 10)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestReload(t *testing.T) {
	f := newFixture(t, rpc("A", 1, 1), rpc("B", 1, 2))
	ctx := context.Background()

	pair, err := f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	require.NoError(t, err)
	require.Equal(t, "A", pair.Primary.Name)

	require.NoError(t, f.svc.Reload([]model.Endpoint{rpc("B", 1, 2), rpc("D", 1, 1)}))
	assert.False(t, f.svc.Available(model.KindBlockchainRPC))

	pair, err = f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	require.NoError(t, err)
	assert.Equal(t, "D", pair.Primary.Name)
	assert.Equal(t, "B", pair.Backup.Name)
	assert.Equal(t, int32(2), f.prober.calls.Load(), "reload forces the next call to probe")

	err = f.svc.Reload(nil)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestReload_KeepsConfirmedSelection(t *testing.T) {
	f := newFixture(t, rpc("A", 1, 1), rpc("B", 1, 2))
	ctx := context.Background()

	_, err := f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	require.NoError(t, err)

	require.NoError(t, f.svc.Reload([]model.Endpoint{rpc("A", 1, 1), rpc("B", 1, 2)}))
	f.svc.SeedMissing(model.SelectionState{Kind: model.KindBlockchainRPC, PrimaryName: "B", BackupName: "A"})

	st := f.svc.Selections()[0]
	assert.Equal(t, "A", st.PrimaryName)
	assert.True(t, st.Available)

	pair, err := f.svc.CurrentEndpoints(ctx, model.KindBlockchainRPC)
	require.NoError(t, err)
	assert.Equal(t, "A", pair.Primary.Name)
	assert.Equal(t, int32(2), f.prober.calls.Load())
	assert.Empty(t, f.primarySwitches())
}

func TestObserver(t *testing.T) {
	var got atomic.Value
	reg, err := registry.New([]model.Endpoint{rpc("A", 1, 1)})
	require.NoError(t, err)
	svc := New(reg, newFakeProber(), scorer.New(scorer.DefaultParams()), Config{},
		WithLogger(zap.NewNop()),
		WithObserver(ObserverFunc(func(states []model.SelectionState) { got.Store(states) })),
	)

	require.NoError(t, svc.ProbeNow(context.Background()))
	states, ok := got.Load().([]model.SelectionState)
	require.True(t, ok)
	require.Len(t, states, 1)
	assert.Equal(t, "A", states[0].PrimaryName)
	assert.True(t, states[0].Available)
}
