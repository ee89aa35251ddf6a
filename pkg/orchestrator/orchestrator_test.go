package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"ovpn-node/pkg/auth"
	"ovpn-node/pkg/config"
	"ovpn-node/pkg/coord"
	"ovpn-node/pkg/firewall"
	"ovpn-node/pkg/hooks"
	"ovpn-node/pkg/lease"
	"ovpn-node/pkg/model"
	"ovpn-node/pkg/openvpn"
	"ovpn-node/pkg/supervisor"
)

const (
	serverScript = `trap 'exit 0' INT; while :; do sleep 0.05; done`
	routes       = `default via 10.0.0.1 dev eth0
172.16.8.0/24 dev eth3 proto static
`
)

var testTiming = config.Timing{
	Heartbeat:         30 * time.Millisecond,
	Telemetry:         30 * time.Millisecond,
	StatusRefresh:     time.Second,
	StopPollInterval:  20 * time.Millisecond,
	StopPollAttempts:  25,
	KillRetryInterval: 20 * time.Millisecond,
	KillAttempts:      10,
}

func testSpec() model.ServerSpec {
	return model.ServerSpec{
		ID:       "srv-1",
		Network:  "10.8.0.0/24",
		Protocol: "udp",
		Port:     1194,
		Routing:  model.RoutingLocalSubnets,
		Replicas: 1,
		Credentials: model.Credentials{
			CA: "ca", Cert: "cert", Key: "key", DH: "dh",
		},
		LocalSubnets: []string{"172.16.8.0/24", "192.168.0.0/16"},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// states lists state and alert messages in publish order.
func (r *recorder) states(kinds ...model.EventKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		for _, k := range kinds {
			if ev.Kind == k {
				out = append(out, ev.Message)
			}
		}
	}
	return out
}

func (r *recorder) count(kind model.EventKind, msg string) int {
	n := 0
	for _, m := range r.states(kind) {
		if m == msg {
			n++
		}
	}
	return n
}

// deregisterProbe captures host state at the moment the record is removed.
type deregisterProbe struct {
	*coord.MemoryStore
	tables *firewall.MemoryTables
	res    *lease.HostResourceManager

	mu          sync.Mutex
	calls       int
	rulesLeft   int
	ifaceLeased bool
}

func (d *deregisterProbe) Deregister(ctx context.Context, serverID, instanceID string) error {
	d.mu.Lock()
	d.calls++
	d.rulesLeft = d.tables.Len()
	d.ifaceLeased = d.res.Held("tun0")
	d.mu.Unlock()
	return d.MemoryStore.Deregister(ctx, serverID, instanceID)
}

type harness struct {
	o      *Orchestrator
	store  *deregisterProbe
	bus    *coord.MemoryBus
	specs  *coord.MemorySpecs
	tables *firewall.MemoryTables
	res    *lease.HostResourceManager
	events *recorder
	work   string
}

func newHarness(t *testing.T, script string, ifaces int) *harness {
	t.Helper()
	j, err := firewall.OpenJournal(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	tables := firewall.NewMemoryTables()
	rt := firewall.ParseRoutes(routes)
	res := lease.NewHostResourceManager(lease.Names("tun", ifaces), func(context.Context) (firewall.RouteTable, error) {
		return rt, nil
	})
	tokens, err := auth.NewHookTokens("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	work := t.TempDir()
	h := &harness{
		store:  &deregisterProbe{MemoryStore: coord.NewMemoryStore(), tables: tables, res: res},
		bus:    coord.NewMemoryBus(),
		specs:  coord.NewMemorySpecs(testSpec()),
		tables: tables,
		res:    res,
		events: &recorder{},
		work:   work,
	}
	h.o, err = New(Params{
		HostID:    "host-a",
		Resources: res,
		Store:     h.store,
		Bus:       h.bus,
		Specs:     h.specs,
		Composer:  &openvpn.Composer{WorkRoot: work, HookURL: "http://127.0.0.1:7506", Tokens: tokens, Log: zerolog.Nop()},
		Rules:     firewall.NewEngine(tables, j, zerolog.Nop()),
		Events:    h.events,
		Timing:    testTiming,
		Command: func(art openvpn.Artifact) supervisor.Command {
			return supervisor.Command{Bin: "/bin/sh", Args: []string{"-c", script}, Dir: art.Dir}
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) record(t *testing.T) model.ServerRecord {
	t.Helper()
	rec, _, err := h.store.Get(context.Background(), "srv-1")
	require.NoError(t, err)
	return rec
}

func (h *harness) assertReclaimed(t *testing.T) {
	t.Helper()
	assert.Equal(t, 0, h.tables.Len())
	assert.Equal(t, h.res.Size(), h.res.Free())
	assert.Empty(t, h.record(t).Instances)
	entries, err := os.ReadDir(h.work)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func waitOutcome(t *testing.T, lc *Lifecycle) Outcome {
	t.Helper()
	select {
	case <-lc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not finalize")
	}
	return lc.Wait()
}

func TestStartAndGracefulStop(t *testing.T) {
	h := newHarness(t, serverScript, 2)
	ctx := context.Background()

	lc, err := h.o.Start(ctx, testSpec())
	require.NoError(t, err)
	inst := lc.Instance()
	assert.Equal(t, "tun0", inst.Iface)
	assert.Greater(t, inst.PID, 0)
	assert.NotEmpty(t, inst.Applied)
	assert.Greater(t, h.tables.Len(), 0)
	require.Len(t, h.record(t).Instances, 1)
	assert.Equal(t, "host-a", h.record(t).Instances[0].HostID)
	require.Len(t, h.o.Instances(), 1)

	require.Eventually(t, func() bool {
		rec := h.record(t)
		return len(rec.Instances) == 1 && rec.Instances[0].PingTimestamp.After(inst.LeasedAt)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, coord.PublishControl(ctx, h.bus, model.ControlMessage{ServerID: "srv-1", Message: "stop"}))
	out := waitOutcome(t, lc)
	assert.True(t, out.Clean)
	assert.Equal(t, supervisor.StoppedClean, out.State)
	require.NoError(t, out.Err)

	assert.Equal(t, []string{
		supervisor.Starting.String(),
		supervisor.Running.String(),
		MsgStopping,
		supervisor.StoppedClean.String(),
		MsgRulesRemoved,
		MsgInterfaceReleased,
		MsgDeregistered,
	}, h.events.states(model.EventState))
	assert.Empty(t, h.events.states(model.EventAlert))

	h.store.mu.Lock()
	assert.Equal(t, 1, h.store.calls)
	assert.Equal(t, 0, h.store.rulesLeft)
	assert.False(t, h.store.ifaceLeased)
	h.store.mu.Unlock()
	h.assertReclaimed(t)
	require.Eventually(t, func() bool { return len(h.o.Instances()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestIgnoresOtherServersAndUnknownControl(t *testing.T) {
	h := newHarness(t, serverScript, 1)
	ctx := context.Background()
	lc, err := h.o.Start(ctx, testSpec())
	require.NoError(t, err)

	require.NoError(t, coord.PublishControl(ctx, h.bus, model.ControlMessage{ServerID: "srv-2", Message: "stop"}))
	require.NoError(t, coord.PublishControl(ctx, h.bus, model.ControlMessage{ServerID: "srv-1", Message: "reload"}))
	select {
	case <-lc.Done():
		t.Fatal("lifecycle stopped on a message it should ignore")
	case <-time.After(150 * time.Millisecond):
	}
	lc.Stop()
	assert.True(t, waitOutcome(t, lc).Clean)
}

func TestAdmissionDeniedLeavesNothing(t *testing.T) {
	h := newHarness(t, serverScript, 2)
	ctx := context.Background()
	lc, err := h.o.Start(ctx, testSpec())
	require.NoError(t, err)
	defer func() { lc.Stop(); waitOutcome(t, lc) }()

	_, err = h.o.Start(ctx, testSpec())
	require.ErrorIs(t, err, model.ErrAdmissionDenied)
	assert.Equal(t, 1, h.res.Free())
	assert.Len(t, h.record(t).Instances, 1)
}

func TestExhaustedPoolDeregisters(t *testing.T) {
	h := newHarness(t, serverScript, 1)
	ctx := context.Background()
	spec := testSpec()
	spec.Replicas = 3
	lc, err := h.o.Start(ctx, spec)
	require.NoError(t, err)
	defer func() { lc.Stop(); waitOutcome(t, lc) }()

	_, err = h.o.Start(ctx, spec)
	require.ErrorIs(t, err, model.ErrResourceExhausted)
	assert.Len(t, h.record(t).Instances, 1)
}

func TestHeartbeatRevocationStops(t *testing.T) {
	h := newHarness(t, serverScript, 1)
	lc, err := h.o.Start(context.Background(), testSpec())
	require.NoError(t, err)

	require.NoError(t, h.store.Evict("srv-1", lc.ID()))
	out := waitOutcome(t, lc)
	assert.True(t, out.Clean)
	assert.Equal(t, "instance record removed", out.Reason)
	assert.Contains(t, h.events.states(model.EventAlert), "instance record removed")
	h.assertReclaimed(t)
}

func TestUnexpectedExitTearsDown(t *testing.T) {
	h := newHarness(t, `sleep 0.2; exit 3`, 1)
	lc, err := h.o.Start(context.Background(), testSpec())
	require.NoError(t, err)

	out := waitOutcome(t, lc)
	assert.False(t, out.Clean)
	assert.Equal(t, supervisor.StoppedUnclean, out.State)
	require.ErrorIs(t, out.Err, model.ErrUnexpectedExit)
	assert.Equal(t, 1, h.events.count(model.EventAlert, "process exited unexpectedly"))
	h.assertReclaimed(t)
}

func TestConcurrentStopAndForceFinalizeOnce(t *testing.T) {
	h := newHarness(t, `trap '' INT; while :; do sleep 0.05; done`, 1)
	lc, err := h.o.Start(context.Background(), testSpec())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); lc.Stop() }()
		go func() { defer wg.Done(); lc.ForceStop() }()
	}
	wg.Wait()
	out := waitOutcome(t, lc)
	assert.False(t, out.Clean)
	assert.Equal(t, 1, h.events.count(model.EventState, MsgDeregistered))
	h.store.mu.Lock()
	assert.Equal(t, 1, h.store.calls)
	h.store.mu.Unlock()
	h.assertReclaimed(t)
}

func TestForceStopEscalatesGracefulStop(t *testing.T) {
	h := newHarness(t, `trap '' INT; while :; do sleep 0.05; done`, 1)
	lc, err := h.o.Start(context.Background(), testSpec())
	require.NoError(t, err)

	start := time.Now()
	lc.Stop()
	require.Eventually(t, func() bool { return lc.State() == supervisor.Stopping }, time.Second, 5*time.Millisecond)
	lc.ForceStop()
	out := waitOutcome(t, lc)
	assert.Equal(t, supervisor.StoppedUnclean, out.State)
	assert.Less(t, time.Since(start), testTiming.StopPollInterval*time.Duration(testTiming.StopPollAttempts))
}

func TestRuleApplyFailureTearsDownSubset(t *testing.T) {
	h := newHarness(t, serverScript, 1)
	plan, err := firewall.ComputeRules(testSpec(), "tun0", firewall.ParseRoutes(routes))
	require.NoError(t, err)
	h.tables.FailAppend[plan.Rules[len(plan.Rules)-1].Key()] = true

	_, err = h.o.Start(context.Background(), testSpec())
	require.ErrorIs(t, err, model.ErrRuleApply)
	assert.Contains(t, h.events.states(model.EventAlert), "start failed")
	h.assertReclaimed(t)
}

func TestSpawnFailureReclaims(t *testing.T) {
	h := newHarness(t, serverScript, 1)
	h.o.p.Command = func(openvpn.Artifact) supervisor.Command {
		return supervisor.Command{Bin: filepath.Join(t.TempDir(), "missing")}
	}
	_, err := h.o.Start(context.Background(), testSpec())
	require.ErrorIs(t, err, model.ErrProcessSpawn)
	h.assertReclaimed(t)
}

func TestCredentialRepair(t *testing.T) {
	h := newHarness(t, serverScript, 1)
	spec := testSpec()
	full := spec.Credentials
	spec.Credentials = model.Credentials{CA: "ca"}
	h.specs.PutCredentials("srv-1", full)

	lc, err := h.o.Start(context.Background(), spec)
	require.NoError(t, err)
	b, err := os.ReadFile(lc.Instance().ConfigPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "<cert>\ncert\n</cert>")
	lc.Stop()
	waitOutcome(t, lc)
}

func TestConfigFailureWithoutRepair(t *testing.T) {
	h := newHarness(t, serverScript, 1)
	spec := testSpec()
	spec.Credentials = model.Credentials{}
	h.specs.PutCredentials("srv-1", model.Credentials{CA: "still incomplete"})

	_, err := h.o.Start(context.Background(), spec)
	require.ErrorIs(t, err, model.ErrConfigGeneration)
	h.assertReclaimed(t)
}

func TestRunFetchesSpec(t *testing.T) {
	h := newHarness(t, serverScript, 1)
	lc, err := h.o.Run(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", lc.ServerID())
	require.NoError(t, h.o.Shutdown(context.Background()))
	assert.True(t, lc.Wait().Clean)

	_, err = h.o.Run(context.Background(), "nope")
	require.Error(t, err)
}

func TestAdoptExternalProcess(t *testing.T) {
	h := newHarness(t, serverScript, 2)
	cmd := exec.Command("/bin/sh", "-c", serverScript)
	require.NoError(t, cmd.Start())
	reaped := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(reaped)
	}()

	lc, err := h.o.Adopt(context.Background(), AdoptRequest{Spec: testSpec(), PID: cmd.Process.Pid, Iface: "tun1"})
	require.NoError(t, err)
	inst := lc.Instance()
	assert.True(t, inst.External)
	assert.Equal(t, "tun1", inst.Iface)
	assert.True(t, h.res.Held("tun1"))

	require.NoError(t, h.o.Shutdown(context.Background()))
	assert.True(t, lc.Wait().Clean)
	<-reaped
	assert.Equal(t, 0, h.tables.Len())
	assert.Equal(t, 2, h.res.Free())
}

func TestProcessSurvivingKillStillReclaims(t *testing.T) {
	h := newHarness(t, `while :; do sleep 0.05; done`, 1)
	h.o.p.Signal = func(pid int, sig unix.Signal) error {
		if sig == 0 {
			return unix.Kill(pid, 0)
		}
		return nil
	}
	lc, err := h.o.Start(context.Background(), testSpec())
	require.NoError(t, err)
	pid := lc.Instance().PID
	t.Cleanup(func() { _ = unix.Kill(-pid, unix.SIGKILL) })

	lc.ForceStop()
	out := waitOutcome(t, lc)
	assert.False(t, out.Clean)
	assert.Equal(t, supervisor.StoppedUnclean, out.State)
	require.ErrorIs(t, out.Err, model.ErrStopTimeout)
	assert.Equal(t, 1, h.events.count(model.EventAlert, MsgFailedToTerminate))
	states := h.events.states(model.EventState)
	require.GreaterOrEqual(t, len(states), 3)
	assert.Equal(t, []string{MsgRulesRemoved, MsgInterfaceReleased, MsgDeregistered}, states[len(states)-3:])
	h.assertReclaimed(t)
}

// startExternal runs a server process the orchestrator did not spawn.
func startExternal(t *testing.T) (int, <-chan struct{}) {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", serverScript)
	require.NoError(t, cmd.Start())
	reaped := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(reaped)
	}()
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd.Process.Pid, reaped
}

func preAuth(t *testing.T, base, token string) int {
	t.Helper()
	form := url.Values{"depth": {"0"}, "subject": {"CN=alice"}}
	req, err := http.NewRequest(http.MethodPost, base+"/hooks/pre-auth", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestAdoptTakesOverStaleRecord(t *testing.T) {
	h := newHarness(t, serverScript, 2)
	ctx := context.Background()
	require.NoError(t, h.store.MemoryStore.Register(ctx, "srv-1", 1, model.InstanceRecord{
		InstanceID: "old-1", HostID: "host-gone", PingTimestamp: time.Now().Add(-time.Minute),
	}))

	tokens, err := auth.NewHookTokens("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	callouts := hooks.NewServer(tokens, nil, zerolog.Nop())
	h.o.p.Callouts = callouts
	hs := httptest.NewServer(callouts.Handler())
	t.Cleanup(hs.Close)

	pid, reaped := startExternal(t)

	// a fresh id would need a second replica slot
	_, err = h.o.Adopt(ctx, AdoptRequest{Spec: testSpec(), PID: pid, Iface: "tun1"})
	require.ErrorIs(t, err, model.ErrAdmissionDenied)

	lc, err := h.o.Adopt(ctx, AdoptRequest{Spec: testSpec(), PID: pid, Iface: "tun1", InstanceID: "old-1"})
	require.NoError(t, err)
	assert.Equal(t, "old-1", lc.ID())
	rec := h.record(t)
	assert.Equal(t, 1, rec.InstancesCount)
	require.Len(t, rec.Instances, 1)
	assert.Equal(t, "host-a", rec.Instances[0].HostID)

	// scripts written for the previous agent still carry a token for old-1
	tok, err := tokens.Issue("srv-1", "old-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, preAuth(t, hs.URL, tok))

	_, err = h.o.Adopt(ctx, AdoptRequest{Spec: testSpec(), PID: pid, Iface: "tun0", InstanceID: "old-1"})
	require.ErrorIs(t, err, model.ErrAdmissionDenied)
	assert.Equal(t, 1, h.record(t).InstancesCount)

	require.NoError(t, h.o.Shutdown(ctx))
	assert.True(t, lc.Wait().Clean)
	<-reaped
	assert.Equal(t, 0, h.tables.Len())
	assert.Equal(t, 2, h.res.Free())
	assert.Empty(t, h.record(t).Instances)
	assert.Equal(t, http.StatusForbidden, preAuth(t, hs.URL, tok))
}
