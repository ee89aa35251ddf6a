package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ovpn-node/pkg/coord"
	"ovpn-node/pkg/firewall"
	"ovpn-node/pkg/lease"
	"ovpn-node/pkg/model"
	"ovpn-node/pkg/openvpn"
	"ovpn-node/pkg/supervisor"
	"ovpn-node/pkg/telemetry"
)

// Progress messages published as state events while finalizing, after the
// supervisor state itself.
const (
	MsgStopping          = "stopping"
	MsgRulesRemoved      = "rules_removed"
	MsgInterfaceReleased = "interface_released"
	MsgDeregistered      = "deregistered"
	MsgFailedToTerminate = "failed to terminate"
)

type finalizeRequest struct {
	force  bool
	alert  bool
	reason string
	err    error
}

// Outcome is the result of a finished lifecycle.
type Outcome struct {
	InstanceID string
	ServerID   string
	State      supervisor.State
	Clean      bool
	Reason     string
	Err        error
}

// Lifecycle is one attempt at running a server instance.
type Lifecycle struct {
	o     *Orchestrator
	spec  model.ServerSpec
	id    string
	lease lease.Lease
	log   zerolog.Logger

	mu   sync.Mutex
	inst model.RunningInstance

	art     openvpn.Artifact
	applied []model.Rule
	sup     *supervisor.Supervisor
	coll    *telemetry.Collector

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	requests   chan finalizeRequest
	force      atomic.Bool
	finalizing atomic.Bool
	done       chan struct{}
	outcome    Outcome
}

func newLifecycle(o *Orchestrator, spec model.ServerSpec, id string, l lease.Lease, log zerolog.Logger) *Lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lifecycle{
		o:     o,
		spec:  spec,
		id:    id,
		lease: l,
		log:   log.With().Str("iface", l.Iface).Logger(),
		inst: model.RunningInstance{
			ID:       id,
			ServerID: spec.ID,
			HostID:   o.p.HostID,
			Iface:    l.Iface,
		},
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan finalizeRequest, 1),
		done:     make(chan struct{}),
	}
}

func (l *Lifecycle) ID() string { return l.id }

func (l *Lifecycle) ServerID() string { return l.spec.ID }

// Instance snapshots the node-local view of the instance.
func (l *Lifecycle) Instance() model.RunningInstance {
	l.mu.Lock()
	inst := l.inst
	inst.Applied = append([]model.Rule(nil), l.inst.Applied...)
	l.mu.Unlock()
	if l.coll != nil {
		inst.Clients = l.coll.Snapshot()
	}
	return inst
}

// State is the supervisor state, NotStarted before the process was spawned.
func (l *Lifecycle) State() supervisor.State {
	if l.sup == nil {
		return supervisor.NotStarted
	}
	return l.sup.State()
}

// Done is closed once finalize has completed.
func (l *Lifecycle) Done() <-chan struct{} { return l.done }

// Wait blocks until the lifecycle has finalized.
func (l *Lifecycle) Wait() Outcome {
	<-l.done
	return l.outcome
}

// Stop asks for a graceful stop followed by finalize.
func (l *Lifecycle) Stop() {
	l.request(finalizeRequest{reason: "stop requested"})
}

// ForceStop asks for an immediate kill. During a graceful stop already in
// progress it escalates right away.
func (l *Lifecycle) ForceStop() {
	l.force.Store(true)
	if l.finalizing.Load() && l.sup != nil {
		go func() { _ = l.sup.ForceStop() }()
	}
	l.request(finalizeRequest{force: true, reason: "force stop requested"})
}

func (l *Lifecycle) request(r finalizeRequest) {
	select {
	case l.requests <- r:
	default:
	}
}

func (l *Lifecycle) emit(kind model.EventKind, msg string) {
	err := l.o.p.Events.Publish(context.Background(), model.Event{
		Kind:       kind,
		ServerID:   l.spec.ID,
		InstanceID: l.id,
		HostID:     l.o.p.HostID,
		Message:    msg,
		Time:       time.Now().UTC(),
	})
	if err != nil {
		l.log.Debug().Err(err).Msg("publish event")
	}
}

// prepare runs config, rules and spawn. Every resource it creates is recorded
// on l so finalize can reclaim it.
func (l *Lifecycle) prepare(ctx context.Context, adopt *AdoptRequest) error {
	p := l.o.p
	statusPath := ""
	if adopt == nil {
		art, err := l.compose(ctx)
		if err != nil {
			return err
		}
		l.art = art
		statusPath = art.StatusPath
		l.mu.Lock()
		l.inst.WorkDir = art.Dir
		l.inst.ConfigPath = art.ConfigPath
		l.mu.Unlock()
	} else {
		statusPath = adopt.StatusPath
	}

	plan, err := firewall.ComputeRules(l.spec, l.lease.Iface, l.lease.Routes)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrRuleApply, err)
	}
	for _, sn := range plan.Downgraded {
		l.log.Warn().Str("subnet", sn).Str("egress", l.lease.Routes.DefaultDev).Msg("no specific route, using default route interface")
	}
	applied, err := p.Rules.Apply(ctx, l.id, plan.Rules)
	l.applied = applied
	l.mu.Lock()
	l.inst.Applied = append([]model.Rule(nil), applied...)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.log.Info().Int("rules", len(plan.Rules)).Int("appended", len(applied)).Msg("firewall rules applied")

	l.coll = telemetry.NewCollector(l.spec.ID, l.id, statusPath, p.Accountant, l.log)
	if p.Callouts != nil {
		p.Callouts.Register(l.id, l.spec.ID, l.coll)
	}

	msgs, err := coord.ControlMessages(l.ctx, p.Bus, l.spec.ID, l.log)
	if err != nil {
		return fmt.Errorf("subscribe control channel: %w", err)
	}

	l.sup = supervisor.New(p.Timing.SupervisorPolicy(), l.onLine, l.log)
	if p.Signal != nil {
		l.sup.Kill = p.Signal
	}
	if adopt != nil {
		if err := l.sup.Adopt(adopt.PID); err != nil {
			return fmt.Errorf("%w: %v", model.ErrProcessSpawn, err)
		}
	} else if err := l.sup.Start(p.Command(l.art)); err != nil {
		return err
	}
	l.mu.Lock()
	l.inst.PID = l.sup.PID()
	l.inst.External = l.sup.External()
	l.mu.Unlock()
	l.emit(model.EventState, supervisor.Running.String())
	l.log.Info().Int("pid", l.sup.PID()).Bool("external", l.sup.External()).Msg("instance running")

	l.spawn(func() { l.listen(msgs) })
	l.spawn(l.heartbeat)
	l.spawn(func() { l.coll.Run(l.ctx, p.Timing.Telemetry) })
	return nil
}

// compose writes the config, re-reading the credential bundle once when the
// spec carried an incomplete one.
func (l *Lifecycle) compose(ctx context.Context) (openvpn.Artifact, error) {
	p := l.o.p
	art, err := p.Composer.Compose(l.spec, l.lease.Iface, l.id)
	if err == nil || !errors.Is(err, model.ErrConfigGeneration) || l.spec.Credentials.Complete() || p.Specs == nil {
		return art, err
	}
	l.log.Warn().Err(err).Msg("credentials incomplete, fetching again")
	creds, cerr := p.Specs.Credentials(ctx, l.spec.ID)
	if cerr != nil {
		return openvpn.Artifact{}, fmt.Errorf("%w: credential repair: %v", model.ErrConfigGeneration, cerr)
	}
	l.spec.Credentials = creds
	return p.Composer.Compose(l.spec, l.lease.Iface, l.id)
}

func (l *Lifecycle) spawn(fn func()) {
	l.tasks.Add(1)
	go func() {
		defer l.tasks.Done()
		fn()
	}()
}

func (l *Lifecycle) onLine(line string) {
	l.emit(model.EventLog, line)
}

func (l *Lifecycle) listen(msgs <-chan model.ControlMessage) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			kind, ok := model.ParseControl(m.Message)
			if !ok {
				l.log.Debug().Str("message", m.Message).Msg("ignoring control message")
				continue
			}
			l.log.Info().Stringer("control", kind).Msg("control message received")
			switch kind {
			case model.ControlStop:
				l.Stop()
			case model.ControlForceStop:
				l.ForceStop()
			}
		}
	}
}

func (l *Lifecycle) heartbeat() {
	p := l.o.p
	t := time.NewTicker(p.Timing.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-t.C:
		}
		now := time.Now().UTC()
		clients := l.coll.Snapshot()
		err := p.Store.Heartbeat(l.ctx, l.spec.ID, l.id, now, clients)
		switch {
		case err == nil:
			l.mu.Lock()
			l.inst.LastPing = now
			l.mu.Unlock()
		case errors.Is(err, model.ErrNoRecord):
			l.log.Warn().Msg("instance record removed from store, stopping")
			l.request(finalizeRequest{alert: true, reason: "instance record removed"})
			return
		case l.ctx.Err() != nil:
			return
		default:
			l.log.Warn().Err(err).Msg("heartbeat failed")
		}
	}
}

// run waits for the first stop request or an exit nobody asked for.
func (l *Lifecycle) run() {
	select {
	case req := <-l.requests:
		l.finalize(req)
	case <-l.sup.Done():
		l.finalize(finalizeRequest{
			alert:  true,
			reason: "process exited unexpectedly",
			err:    fmt.Errorf("%w: %v", model.ErrUnexpectedExit, l.sup.ExitErr()),
		})
	}
}

// finalize reclaims everything the lifecycle holds, in order: process, rules,
// interface, store record. It runs at most once.
func (l *Lifecycle) finalize(req finalizeRequest) {
	if !l.finalizing.CompareAndSwap(false, true) {
		return
	}
	defer close(l.done)
	p := l.o.p
	bg := context.Background()
	var errs []error
	if req.err != nil {
		errs = append(errs, req.err)
	}
	if p.Callouts != nil {
		p.Callouts.MarkFinalizing(l.id)
	}

	state := supervisor.NotStarted
	if l.sup != nil {
		if !l.sup.State().Stopped() {
			l.emit(model.EventState, MsgStopping)
		}
		var err error
		if req.force || l.force.Load() {
			err = l.sup.ForceStop()
		} else {
			err = l.sup.Stop()
		}
		if err != nil {
			errs = append(errs, err)
		}
		if l.sup.PID() > 0 {
			select {
			case <-l.sup.Done():
			default:
				l.log.Error().Int("pid", l.sup.PID()).Msg("process survived kill, reclaiming resources anyway")
				l.emit(model.EventAlert, MsgFailedToTerminate)
			}
		}
		state = l.sup.State()
		l.emit(model.EventState, state.String())
	}

	l.cancel()
	l.tasks.Wait()

	if len(l.applied) > 0 {
		removed := p.Rules.Teardown(bg, l.id, l.applied)
		l.log.Info().Int("removed", removed).Int("applied", len(l.applied)).Msg("firewall rules removed")
	}
	l.emit(model.EventState, MsgRulesRemoved)

	if err := p.Resources.Release(l.lease.Iface); err != nil {
		errs = append(errs, err)
		l.log.Error().Err(err).Msg("release interface")
	}
	l.emit(model.EventState, MsgInterfaceReleased)

	err := p.Store.Deregister(bg, l.spec.ID, l.id)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNoRecord):
		l.log.Info().Msg("instance record already removed")
	default:
		errs = append(errs, err)
		l.log.Error().Err(err).Msg("deregister instance")
	}
	l.emit(model.EventState, MsgDeregistered)

	if p.Callouts != nil {
		p.Callouts.Unregister(l.id)
	}
	if err := l.art.Remove(); err != nil {
		l.log.Warn().Err(err).Str("dir", l.art.Dir).Msg("remove config dir")
	}

	clean := state == supervisor.StoppedClean
	l.mu.Lock()
	l.inst.CleanExit = clean
	l.mu.Unlock()
	if req.alert || (l.sup != nil && !clean) {
		l.emit(model.EventAlert, req.reason)
	}
	l.outcome = Outcome{
		InstanceID: l.id,
		ServerID:   l.spec.ID,
		State:      state,
		Clean:      clean,
		Reason:     req.reason,
		Err:        errors.Join(errs...),
	}
	ev := l.log.Info()
	if !clean {
		ev = l.log.Warn()
	}
	ev.Str("state", state.String()).Str("reason", req.reason).Err(l.outcome.Err).Msg("instance finalized")
}
