// Package orchestrator runs one VPN server instance per start request: admission,
// interface lease, config, firewall rules, process supervision and the
// background tasks that keep the coordination store current.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"ovpn-node/pkg/config"
	"ovpn-node/pkg/coord"
	"ovpn-node/pkg/events"
	"ovpn-node/pkg/firewall"
	"ovpn-node/pkg/hooks"
	"ovpn-node/pkg/lease"
	"ovpn-node/pkg/model"
	"ovpn-node/pkg/openvpn"
	"ovpn-node/pkg/supervisor"
	"ovpn-node/pkg/telemetry"
)

// Callouts is the part of the hook server a lifecycle talks to.
type Callouts interface {
	Register(instanceID, serverID string, clients hooks.ClientTable)
	MarkFinalizing(instanceID string)
	Unregister(instanceID string)
}

// CommandFunc builds the process invocation for a composed config.
type CommandFunc func(art openvpn.Artifact) supervisor.Command

// Params are the collaborators shared by every lifecycle on the host.
type Params struct {
	HostID     string
	Resources  *lease.HostResourceManager
	Store      coord.Store
	Bus        coord.Bus
	Specs      coord.SpecSource
	Composer   *openvpn.Composer
	Rules      *firewall.Engine
	Callouts   Callouts
	Accountant telemetry.Accountant
	Events     events.Publisher
	Timing     config.Timing
	Binary     string
	Command    CommandFunc
	NewID      func() string
	// Signal replaces signal delivery to supervised processes when set.
	Signal func(pid int, sig unix.Signal) error
	Logger zerolog.Logger
}

// Orchestrator starts lifecycles and tracks the ones still running.
type Orchestrator struct {
	p   Params
	log zerolog.Logger

	mu      sync.Mutex
	running map[string]*Lifecycle
	wg      sync.WaitGroup
}

func New(p Params) (*Orchestrator, error) {
	switch {
	case p.HostID == "":
		return nil, fmt.Errorf("orchestrator: host id is required")
	case p.Resources == nil:
		return nil, fmt.Errorf("orchestrator: resource manager is required")
	case p.Store == nil:
		return nil, fmt.Errorf("orchestrator: store is required")
	case p.Bus == nil:
		return nil, fmt.Errorf("orchestrator: bus is required")
	case p.Composer == nil:
		return nil, fmt.Errorf("orchestrator: composer is required")
	case p.Rules == nil:
		return nil, fmt.Errorf("orchestrator: rule engine is required")
	}
	if p.Events == nil {
		p.Events = events.Nop{}
	}
	if p.Accountant == nil {
		p.Accountant = telemetry.NopAccountant{}
	}
	if p.NewID == nil {
		p.NewID = uuid.NewString
	}
	if p.Command == nil {
		bin := p.Binary
		if bin == "" {
			bin = "openvpn"
		}
		p.Command = func(art openvpn.Artifact) supervisor.Command {
			return supervisor.Command{Bin: bin, Args: []string{"--config", art.ConfigPath}, Dir: art.Dir}
		}
	}
	if p.Timing.Heartbeat <= 0 || p.Timing.Telemetry <= 0 {
		return nil, fmt.Errorf("orchestrator: heartbeat and telemetry intervals must be positive")
	}
	return &Orchestrator{
		p:       p,
		log:     p.Logger.With().Str("host", p.HostID).Logger(),
		running: map[string]*Lifecycle{},
	}, nil
}

// Run fetches the spec of serverID and starts it.
func (o *Orchestrator) Run(ctx context.Context, serverID string) (*Lifecycle, error) {
	if o.p.Specs == nil {
		return nil, fmt.Errorf("no spec source configured")
	}
	spec, err := o.p.Specs.Spec(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return o.Start(ctx, spec)
}

// Start runs the acquisition sequence and returns once the process is running.
// Admission and lease failures leave nothing behind; later failures run the
// finalize path before returning.
func (o *Orchestrator) Start(ctx context.Context, spec model.ServerSpec) (*Lifecycle, error) {
	return o.start(ctx, spec, nil)
}

// AdoptRequest describes a process launched outside this agent.
type AdoptRequest struct {
	Spec       model.ServerSpec
	PID        int
	Iface      string
	StatusPath string
	// InstanceID is the id the process was registered under before the agent
	// restarted. Its store entry and hook tokens are taken over as they are.
	InstanceID string
}

// Adopt takes over a running process: it registers, claims the interface the
// process already uses and reconciles the firewall rules, then supervises the
// pid without owning its stdout.
func (o *Orchestrator) Adopt(ctx context.Context, req AdoptRequest) (*Lifecycle, error) {
	if req.PID <= 0 || req.Iface == "" {
		return nil, fmt.Errorf("adopt needs a pid and an interface")
	}
	return o.start(ctx, req.Spec, &req)
}

func (o *Orchestrator) start(ctx context.Context, spec model.ServerSpec, adopt *AdoptRequest) (*Lifecycle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	id := o.p.NewID()
	reclaim := adopt != nil && adopt.InstanceID != ""
	if reclaim {
		id = adopt.InstanceID
		if _, dup := o.Lifecycle(id); dup {
			return nil, fmt.Errorf("instance %s already runs here: %w", id, model.ErrAdmissionDenied)
		}
	}
	now := time.Now().UTC()
	log := o.log.With().Str("server", spec.ID).Str("instance", id).Logger()

	rec := model.InstanceRecord{InstanceID: id, HostID: o.p.HostID, PingTimestamp: now}
	register := o.p.Store.Register
	if reclaim {
		register = o.p.Store.Reclaim
	}
	if err := register(ctx, spec.ID, spec.Replicas, rec); err != nil {
		log.Warn().Err(err).Int("replicas", spec.Replicas).Msg("registration refused")
		return nil, err
	}

	var (
		l   lease.Lease
		err error
	)
	if adopt != nil {
		l, err = o.p.Resources.Claim(ctx, adopt.Iface)
	} else {
		l, err = o.p.Resources.Acquire(ctx)
	}
	if err != nil {
		if derr := o.p.Store.Deregister(context.WithoutCancel(ctx), spec.ID, id); derr != nil {
			log.Error().Err(derr).Msg("deregister after lease failure")
		}
		log.Warn().Err(err).Msg("interface lease failed")
		return nil, err
	}

	lc := newLifecycle(o, spec, id, l, log)
	lc.inst.LeasedAt = now
	lc.emit(model.EventState, supervisor.Starting.String())

	if err := lc.prepare(ctx, adopt); err != nil {
		lc.finalize(finalizeRequest{alert: true, reason: "start failed", err: err})
		return nil, err
	}

	o.mu.Lock()
	o.running[id] = lc
	o.mu.Unlock()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		lc.run()
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
	}()
	return lc, nil
}

// Lifecycle returns the running lifecycle with instanceID.
func (o *Orchestrator) Lifecycle(instanceID string) (*Lifecycle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.running[instanceID]
	return l, ok
}

// Instances snapshots every running instance, ordered by server then id.
func (o *Orchestrator) Instances() []model.RunningInstance {
	o.mu.Lock()
	list := make([]*Lifecycle, 0, len(o.running))
	for _, l := range o.running {
		list = append(list, l)
	}
	o.mu.Unlock()
	out := make([]model.RunningInstance, 0, len(list))
	for _, l := range list {
		out = append(out, l.Instance())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StopServer gracefully stops every local instance of serverID.
func (o *Orchestrator) StopServer(serverID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, l := range o.running {
		if l.spec.ID == serverID {
			l.Stop()
			n++
		}
	}
	return n
}

// Shutdown stops every lifecycle and waits for all of them to finalize or for
// ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, l := range o.running {
		l.Stop()
	}
	o.mu.Unlock()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ctx.Err(), fmt.Errorf("%d lifecycles still finalizing", len(o.Instances())))
	}
}
