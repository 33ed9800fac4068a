package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxybot/internal/config"
	"proxybot/internal/notifier/broadcast"
	"proxybot/internal/proxy"
	"proxybot/internal/storage"
	kit "proxybot/internal/transport"
	logx "proxybot/pkg/logx"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[int64][]string
	fail map[int64]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: map[int64][]string{}, fail: map[int64]bool{}}
}

func (s *recordingSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[to.ChatID] {
		return kit.MessageRef{}, kit.ErrRecipientBlocked
	}
	s.sent[to.ChatID] = append(s.sent[to.ChatID], text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (s *recordingSender) count(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent[id])
}

func newEngine(t *testing.T) *proxy.Engine {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "app.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return proxy.NewEngine(st, logx.Nop())
}

func TestReconcileAnnouncesOnlyNewProxies(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	for _, id := range []int64{11, 12, 13} {
		_, err := eng.Touch(ctx, proxy.Client{ID: id})
		require.NoError(t, err)
	}
	_, err := eng.Register(ctx, proxy.Params{Location: "Old", Server: "old.example", Port: 443, Secret: "aa"})
	require.NoError(t, err)

	sender := newRecordingSender()
	sender.fail[12] = true
	n := broadcast.NewNotifier(sender, time.Millisecond, logx.Nop(), nil)

	list := []proxy.Params{
		{Location: "Renamed", Server: "OLD.example", Port: 443, Secret: "bb"},
		{Location: "Frankfurt", Server: "fra.example", Port: 443, Secret: "cc"},
		{Server: "", Port: 1, Secret: "x"},
	}
	rep := Reconcile(ctx, eng, n, list, logx.Nop())

	assert.Equal(t, 1, rep.Created)
	assert.Equal(t, 1, rep.Existing)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Announced, 1)
	assert.Equal(t, broadcast.Report{Attempted: 3, Delivered: 2}, rep.Announced[0])
	assert.Equal(t, 1, sender.count(11))
	assert.Equal(t, 1, sender.count(13))
	assert.Contains(t, sender.sent[11][0], "Location: Frankfurt")

	// A second start registers nothing new and announces nothing.
	rep = Reconcile(ctx, eng, n, list[:2], logx.Nop())
	assert.Zero(t, rep.Created)
	assert.Equal(t, 2, rep.Existing)
	assert.Equal(t, 1, sender.count(11))

	all, err := eng.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, p := range all {
		assert.NotEqual(t, "Renamed", p.Location)
	}
}

type stubRegistrar struct {
	clientsErr error
}

func (s stubRegistrar) Register(_ context.Context, p proxy.Params) (proxy.Registration, error) {
	return proxy.Registration{Proxy: proxy.Proxy{ID: 1, Location: p.Location, Server: p.Server, Port: p.Port, Secret: p.Secret}, Created: true}, nil
}

func (s stubRegistrar) Clients(context.Context) ([]int64, error) { return nil, s.clientsErr }

type countingAnnouncer struct{ calls int }

func (c *countingAnnouncer) Broadcast(context.Context, string, []int64, *kit.SendOptions) broadcast.Report {
	c.calls++
	return broadcast.Report{}
}

func TestReconcileSkipsAnnouncementWithoutClients(t *testing.T) {
	ann := &countingAnnouncer{}
	rep := Reconcile(context.Background(), stubRegistrar{clientsErr: errors.New("down")}, ann,
		[]proxy.Params{{Location: "A", Server: "a", Port: 1, Secret: "s"}}, logx.Nop())
	assert.Equal(t, 1, rep.Created)
	assert.Zero(t, ann.calls)
}

func TestReconcileStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ann := &countingAnnouncer{}
	rep := Reconcile(ctx, stubRegistrar{}, ann, []proxy.Params{{Location: "A", Server: "a", Port: 1, Secret: "s"}}, logx.Nop())
	assert.Zero(t, rep.Created)
	assert.Zero(t, ann.calls)
}

func TestStaticProxiesDefaultsLocation(t *testing.T) {
	cfg := &config.Config{Proxies: []config.ProxyEntry{
		{Server: "nl.example", Port: 443, Secret: "s"},
		{Location: " Tokyo ", Server: "jp.example", Port: 8443, Secret: "t"},
	}}
	got := staticProxies(cfg)
	require.Len(t, got, 2)
	assert.Equal(t, "nl.example", got[0].Location)
	assert.Equal(t, "Tokyo", got[1].Location)
	assert.Equal(t, 8443, got[1].Port)
}

func TestMappers(t *testing.T) {
	off := false
	cfg := &config.Config{
		Telegram:     config.TelegramConfig{GroupLog: "-1001"},
		Storage:      config.StorageConfig{Driver: " SQLite ", Path: "./x.db", BusyTimeout: "2s"},
		Broadcast:    &config.BroadcastConfig{QueueSize: 4},
		Frontend:     &config.FrontendConfig{RateLimit: "3s", Workers: 2},
		Ops:          config.OpsConfig{Enabled: true},
		Housekeeping: &config.HousekeepingConfig{Enabled: &off, ReportCron: "0 9 * * *"},
	}
	require.NoError(t, validate(cfg))

	assert.Equal(t, int64(-1001), mapLogging(cfg).Telegram.ChatID)

	sc, err := StorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)

	assert.Zero(t, sc.RetryMax)

	zero := 0
	cfg.Storage.RetryMax = &zero
	sc, err = StorageConfig(cfg)
	require.NoError(t, err)
	assert.Negative(t, sc.RetryMax)

	bc, err := BroadcastConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, broadcast.DefaultGap, bc.Gap)
	assert.Equal(t, 4, bc.QueueSize)

	fc, rc, err := mapFrontend(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, fc.RateLimit)
	assert.Equal(t, 2, rc.Workers)

	oc, err := mapOps(cfg)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, oc.ReadTimeout)

	hk, err := mapHousekeeping(cfg)
	require.NoError(t, err)
	assert.False(t, hk.Enabled)
	assert.Equal(t, "@every 10m", hk.PruneSpec)

	cfg.Housekeeping.PruneCron = "every now and then"
	assert.Error(t, validate(cfg))
}

type fakePruner struct{ calls int }

func (f *fakePruner) Prune() (int, int) { f.calls++; return 1, 0 }

type fakeStats struct{}

func (fakeStats) Stats(context.Context) (proxy.Stats, error) {
	return proxy.Stats{Clients: 5, Proxies: 2, ActiveProxies: 1, Grants: 7}, nil
}

func TestHousekeepingJobs(t *testing.T) {
	p := &fakePruner{}
	sender := newRecordingSender()
	h := NewHousekeeping(p, fakeStats{}, sender, func() []int64 { return []int64{1, 2} }, logx.Nop())

	h.prune()
	assert.Equal(t, 1, p.calls)

	h.report(context.Background())
	require.Equal(t, 1, sender.count(1))
	assert.Equal(t, 1, sender.count(2))
	assert.Contains(t, sender.sent[1][0], "Users: 5")
	assert.Contains(t, sender.sent[1][0], "Proxies: 2 (1 active)")

	require.NoError(t, h.Apply(context.Background(), housekeeping{Enabled: true, PruneSpec: "@every 1h", Location: time.UTC}))
	h.Stop()
	assert.Error(t, h.Apply(context.Background(), housekeeping{Enabled: true, PruneSpec: "nope", Location: time.UTC}))
	h.Stop()
}
