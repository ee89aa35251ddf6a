package telemetry

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ovpn-node/pkg/model"
)

// Usage is one flushed bandwidth accumulator entry.
type Usage struct {
	ServerID   string
	InstanceID string
	ClientID   string
	Received   uint64
	Sent       uint64
	At         time.Time
}

// Accountant receives non-zero bandwidth deltas.
type Accountant interface {
	RecordUsage(ctx context.Context, usage []Usage) error
}

// NopAccountant discards usage.
type NopAccountant struct{}

func (NopAccountant) RecordUsage(context.Context, []Usage) error { return nil }

type tombstone struct {
	since time.Time
	at    time.Time
}

// Collector keeps the live client table of one instance.
type Collector struct {
	serverID   string
	instanceID string
	path       string
	acct       Accountant
	log        zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	clients map[string]model.ClientStats
	// clients that disconnected through a hook but may still be listed by a
	// status file written before the disconnect
	gone map[string]tombstone
}

func NewCollector(serverID, instanceID, statusPath string, acct Accountant, log zerolog.Logger) *Collector {
	if acct == nil {
		acct = NopAccountant{}
	}
	return &Collector{
		serverID:   serverID,
		instanceID: instanceID,
		path:       statusPath,
		acct:       acct,
		log:        log,
		now:        time.Now,
		clients:    map[string]model.ClientStats{},
		gone:       map[string]tombstone{},
	}
}

// Run polls the status file every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Poll(ctx); err != nil {
				c.log.Warn().Err(err).Msg("telemetry poll failed")
			}
		}
	}
}

// Poll re-reads the status file and replaces the client table. A missing file
// leaves the table untouched.
func (c *Collector) Poll(ctx context.Context) error {
	f, err := os.Open(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	rows, err := ParseStatus(f)
	f.Close()
	if err != nil {
		return err
	}
	usage := c.update(rows)
	if len(usage) == 0 {
		return nil
	}
	return c.acct.RecordUsage(ctx, usage)
}

func (c *Collector) update(rows []model.ClientStats) []Usage {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]model.ClientStats, len(rows))
	var rx, tx uint64
	for _, row := range rows {
		if ts, ok := c.gone[row.ClientID]; ok && ts.since.Equal(row.ConnectedSince) {
			continue
		}
		prev, seen := c.clients[row.ClientID]
		if seen {
			row.DeltaReceived = Delta(prev.BytesReceived, row.BytesReceived)
			row.DeltaSent = Delta(prev.BytesSent, row.BytesSent)
			if row.RealAddress == "" {
				row.RealAddress = prev.RealAddress
			}
			if row.VirtualAddress == "" {
				row.VirtualAddress = prev.VirtualAddress
			}
		} else {
			row.DeltaReceived = row.BytesReceived
			row.DeltaSent = row.BytesSent
		}
		row.LastSeen = now
		next[row.ClientID] = row
		rx += row.DeltaReceived
		tx += row.DeltaSent
	}
	c.clients = next
	for id, ts := range c.gone {
		if now.Sub(ts.at) > time.Minute {
			delete(c.gone, id)
		}
	}
	if rx == 0 && tx == 0 {
		return nil
	}
	return []Usage{{ServerID: c.serverID, InstanceID: c.instanceID, Received: rx, Sent: tx, At: now}}
}

// Connected records a client reported by the client-connect callout.
func (c *Collector) Connected(stats model.ClientStats) {
	if stats.ClientID == "" || stats.ClientID == Placeholder {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.gone, stats.ClientID)
	if existing, ok := c.clients[stats.ClientID]; ok {
		stats.BytesReceived = existing.BytesReceived
		stats.BytesSent = existing.BytesSent
	}
	stats.LastSeen = c.now()
	c.clients[stats.ClientID] = stats
}

// Disconnected drops a client reported by the client-disconnect callout and
// accounts the bytes it moved since the last poll.
func (c *Collector) Disconnected(ctx context.Context, clientID string, received, sent uint64) {
	c.mu.Lock()
	prev, ok := c.clients[clientID]
	delete(c.clients, clientID)
	now := c.now()
	c.gone[clientID] = tombstone{since: prev.ConnectedSince, at: now}
	c.mu.Unlock()
	if !ok {
		return
	}
	rx, tx := Delta(prev.BytesReceived, received), Delta(prev.BytesSent, sent)
	if rx == 0 && tx == 0 {
		return
	}
	err := c.acct.RecordUsage(ctx, []Usage{{
		ServerID: c.serverID, InstanceID: c.instanceID, ClientID: clientID,
		Received: rx, Sent: tx, At: now,
	}})
	if err != nil {
		c.log.Warn().Err(err).Str("client", clientID).Msg("record disconnect usage")
	}
}

// Snapshot copies the current client table.
func (c *Collector) Snapshot() map[string]model.ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]model.ClientStats, len(c.clients))
	for k, v := range c.clients {
		out[k] = v
	}
	return out
}
