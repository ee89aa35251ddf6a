package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ovpn-node/pkg/model"
)

type recordingAccountant struct {
	mu    sync.Mutex
	usage []Usage
}

func (r *recordingAccountant) RecordUsage(_ context.Context, u []Usage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = append(r.usage, u...)
	return nil
}

func writeStatus(t *testing.T, path string, rows ...string) {
	t.Helper()
	body := "HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Bytes Received,Bytes Sent,Connected Since,Connected Since (time_t)\n"
	for _, r := range rows {
		body += r + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func row(id string, rx, tx uint64) string {
	return fmt.Sprintf("CLIENT_LIST,%s,192.0.2.1:5000,10.8.0.2,%d,%d,x,1709283600", id, rx, tx)
}

func TestCollectorDeltas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.log")
	acct := &recordingAccountant{}
	c := NewCollector("srv-1", "inst-1", path, acct, zerolog.Nop())
	ctx := context.Background()

	writeStatus(t, path, row("alice", 100, 40))
	require.NoError(t, c.Poll(ctx))
	writeStatus(t, path, row("alice", 250, 40))
	require.NoError(t, c.Poll(ctx))

	snap := c.Snapshot()
	require.Contains(t, snap, "alice")
	assert.Equal(t, uint64(150), snap["alice"].DeltaReceived)
	assert.Equal(t, uint64(0), snap["alice"].DeltaSent)

	// counter reset
	writeStatus(t, path, row("alice", 80, 10))
	require.NoError(t, c.Poll(ctx))
	assert.Equal(t, uint64(80), c.Snapshot()["alice"].DeltaReceived)
	assert.Equal(t, uint64(10), c.Snapshot()["alice"].DeltaSent)

	require.Len(t, acct.usage, 3)
	assert.Equal(t, uint64(100), acct.usage[0].Received)
	assert.Equal(t, uint64(150), acct.usage[1].Received)
	assert.Equal(t, uint64(80), acct.usage[2].Received)
}

func TestCollectorFlushesOnlyNonZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.log")
	acct := &recordingAccountant{}
	c := NewCollector("srv-1", "inst-1", path, acct, zerolog.Nop())
	ctx := context.Background()

	writeStatus(t, path, row("alice", 10, 10))
	require.NoError(t, c.Poll(ctx))
	require.NoError(t, c.Poll(ctx))
	require.NoError(t, c.Poll(ctx))
	assert.Len(t, acct.usage, 1)
}

func TestCollectorDropsAbsentAndPlaceholder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.log")
	c := NewCollector("srv-1", "inst-1", path, nil, zerolog.Nop())
	ctx := context.Background()

	writeStatus(t, path, row("alice", 1, 1), row("bob", 2, 2), row(Placeholder, 3, 3))
	require.NoError(t, c.Poll(ctx))
	assert.Len(t, c.Snapshot(), 2)

	writeStatus(t, path, row("bob", 4, 4))
	require.NoError(t, c.Poll(ctx))
	snap := c.Snapshot()
	assert.Len(t, snap, 1)
	assert.Contains(t, snap, "bob")
}

func TestCollectorMissingStatusFile(t *testing.T) {
	c := NewCollector("srv-1", "inst-1", filepath.Join(t.TempDir(), "absent.log"), nil, zerolog.Nop())
	require.NoError(t, c.Poll(context.Background()))
	assert.Empty(t, c.Snapshot())
}

func TestCollectorHookUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.log")
	acct := &recordingAccountant{}
	c := NewCollector("srv-1", "inst-1", path, acct, zerolog.Nop())
	ctx := context.Background()

	since := time.Unix(1709283600, 0).UTC()
	c.Connected(model.ClientStats{ClientID: "alice", VirtualAddress: "10.8.0.2", ConnectedSince: since})
	c.Connected(model.ClientStats{ClientID: Placeholder})
	assert.Len(t, c.Snapshot(), 1)

	writeStatus(t, path, row("alice", 100, 50))
	require.NoError(t, c.Poll(ctx))

	c.Disconnected(ctx, "alice", 130, 70)
	assert.Empty(t, c.Snapshot())
	require.Len(t, acct.usage, 2)
	assert.Equal(t, "alice", acct.usage[1].ClientID)
	assert.Equal(t, uint64(30), acct.usage[1].Received)
	assert.Equal(t, uint64(20), acct.usage[1].Sent)

	// stale status written before the disconnect must not resurrect the client
	require.NoError(t, c.Poll(ctx))
	assert.Empty(t, c.Snapshot())
	assert.Len(t, acct.usage, 2)
}

func TestCollectorRunStopsOnCancel(t *testing.T) {
	c := NewCollector("srv-1", "inst-1", filepath.Join(t.TempDir(), "s.log"), nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}
