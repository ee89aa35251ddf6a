package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"ovpn-node/pkg/model"
)

// Policy bounds the stop escalation. Zero values fall back to DefaultPolicy.
type Policy struct {
	StopPollInterval  time.Duration
	StopPollAttempts  int
	KillRetryInterval time.Duration
	KillAttempts      int
}

var DefaultPolicy = Policy{
	StopPollInterval:  200 * time.Millisecond,
	StopPollAttempts:  25,
	KillRetryInterval: 200 * time.Millisecond,
	KillAttempts:      10,
}

func (p Policy) withDefaults() Policy {
	if p.StopPollInterval <= 0 {
		p.StopPollInterval = DefaultPolicy.StopPollInterval
	}
	if p.StopPollAttempts <= 0 {
		p.StopPollAttempts = DefaultPolicy.StopPollAttempts
	}
	if p.KillRetryInterval <= 0 {
		p.KillRetryInterval = DefaultPolicy.KillRetryInterval
	}
	if p.KillAttempts <= 0 {
		p.KillAttempts = DefaultPolicy.KillAttempts
	}
	return p
}

// Command is what Start runs.
type Command struct {
	Bin  string
	Args []string
	Dir  string
}

// Supervisor owns one VPN process, either spawned by Start or adopted by pid.
type Supervisor struct {
	// Kill delivers signals to a pid, or to a process group when pid is
	// negative. New sets it to unix.Kill; replace it before Start or Adopt.
	Kill func(pid int, sig unix.Signal) error

	policy Policy
	onLine func(string)
	log    zerolog.Logger

	mu       sync.Mutex
	state    State
	pid      int
	external bool
	exitErr  error

	exited    chan struct{}
	giveUp    chan struct{} // closed when the process survived every kill
	giveUpSet sync.Once
	requested atomic.Bool
	forced    atomic.Bool
}

// New returns a supervisor in NotStarted. onLine receives every stdout and
// stderr line of a spawned process; it may be nil.
func New(policy Policy, onLine func(string), log zerolog.Logger) *Supervisor {
	if onLine == nil {
		onLine = func(string) {}
	}
	return &Supervisor{
		Kill:   unix.Kill,
		giveUp: make(chan struct{}),
		policy: policy.withDefaults(),
		onLine: onLine,
		log:    log,
		exited: make(chan struct{}),
	}
}

// Start spawns the process in its own process group. A spawn failure leaves
// the supervisor in StoppedUnclean and wraps model.ErrProcessSpawn.
func (s *Supervisor) Start(c Command) error {
	s.mu.Lock()
	if s.state != NotStarted {
		s.mu.Unlock()
		return fmt.Errorf("%w: supervisor already used (%s)", model.ErrProcessSpawn, s.state)
	}
	s.state = Starting
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.state = StoppedUnclean
		s.exitErr = err
		s.mu.Unlock()
		close(s.exited)
		return fmt.Errorf("%w: %v", model.ErrProcessSpawn, err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return fail(err)
	}
	cmd := exec.Command(c.Bin, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return fail(err)
	}
	w.Close()

	s.mu.Lock()
	s.pid = cmd.Process.Pid
	s.state = Running
	s.mu.Unlock()
	s.log.Info().Int("pid", s.pid).Str("bin", c.Bin).Msg("process started")

	go s.readLines(r)
	go func() {
		err := cmd.Wait()
		s.onExit(err)
	}()
	return nil
}

// Adopt supervises a process this agent did not spawn. Liveness is polled with
// signal 0 every StopPollInterval until the process exits or a kill gives up.
func (s *Supervisor) Adopt(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if !s.alive(pid) {
		return fmt.Errorf("pid %d is not running", pid)
	}
	s.mu.Lock()
	if s.state != NotStarted {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already used (%s)", s.state)
	}
	s.pid = pid
	s.external = true
	s.state = Running
	s.mu.Unlock()
	s.log.Info().Int("pid", pid).Msg("process adopted")

	go func() {
		t := time.NewTicker(s.policy.StopPollInterval)
		defer t.Stop()
		for {
			select {
			case <-s.giveUp:
				return
			case <-t.C:
				if !s.alive(pid) {
					s.onExit(nil)
					return
				}
			}
		}
	}()
	return nil
}

func (s *Supervisor) alive(pid int) bool {
	err := s.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (s *Supervisor) readLines(r *os.File) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		s.onLine(sc.Text())
	}
}

func (s *Supervisor) onExit(err error) {
	s.mu.Lock()
	s.exitErr = err
	if !s.requested.Load() && s.state == Running {
		s.state = StoppedUnclean
		s.log.Error().Int("pid", s.pid).Err(err).Msg("process exited unexpectedly")
	}
	s.mu.Unlock()
	close(s.exited)
}

// Done is closed once the process has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.exited }

// Requested reports whether the exit was asked for through Stop or ForceStop.
func (s *Supervisor) Requested() bool { return s.requested.Load() }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

func (s *Supervisor) External() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.external
}

// ExitErr is the wait error of a process that has exited.
func (s *Supervisor) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// beginStop moves Running to Stopping. It returns false when there is nothing
// to stop.
func (s *Supervisor) beginStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested.Store(true)
	switch s.state {
	case Running, Stopping:
		s.state = Stopping
		return true
	case NotStarted:
		s.state = StoppedClean
		return false
	default:
		return false
	}
}

func (s *Supervisor) finish(clean bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Stopped() {
		return
	}
	if clean && !s.forced.Load() {
		s.state = StoppedClean
	} else {
		s.state = StoppedUnclean
	}
}

func (s *Supervisor) signal(sig unix.Signal) {
	s.mu.Lock()
	pid, external := s.pid, s.external
	s.mu.Unlock()
	if !external {
		if err := s.Kill(-pid, sig); err == nil || errors.Is(err, unix.ESRCH) {
			return
		}
	}
	if err := s.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		s.log.Warn().Err(err).Int("pid", pid).Str("signal", sig.String()).Msg("signal delivery failed")
	}
}

func (s *Supervisor) waitExit(interval time.Duration, attempts int) bool {
	for i := 0; i < attempts; i++ {
		select {
		case <-s.exited:
			return true
		case <-time.After(interval):
		}
	}
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

// Stop interrupts the process and waits a bounded time for it to exit. On
// timeout it escalates to ForceStop semantics and returns model.ErrStopTimeout.
func (s *Supervisor) Stop() error {
	if !s.beginStop() {
		return nil
	}
	s.signal(unix.SIGINT)
	if s.waitExit(s.policy.StopPollInterval, s.policy.StopPollAttempts) {
		s.finish(true)
		s.log.Info().Int("pid", s.PID()).Msg("process stopped")
		return nil
	}
	s.log.Warn().Int("pid", s.PID()).Msg("graceful stop timed out, killing")
	if err := s.kill(); err != nil {
		return err
	}
	return fmt.Errorf("%w: pid %d needed SIGKILL", model.ErrStopTimeout, s.PID())
}

// ForceStop kills the process immediately.
func (s *Supervisor) ForceStop() error {
	if !s.beginStop() {
		return nil
	}
	return s.kill()
}

func (s *Supervisor) kill() error {
	s.forced.Store(true)
	for i := 0; i < s.policy.KillAttempts; i++ {
		s.signal(unix.SIGKILL)
		if s.waitExit(s.policy.KillRetryInterval, 1) {
			s.finish(false)
			s.log.Warn().Int("pid", s.PID()).Msg("process killed")
			return nil
		}
	}
	s.finish(false)
	s.giveUpSet.Do(func() { close(s.giveUp) })
	s.log.Error().Int("pid", s.PID()).Int("attempts", s.policy.KillAttempts).Msg("failed to terminate process")
	return fmt.Errorf("%w: pid %d survived %d kill attempts", model.ErrStopTimeout, s.PID(), s.policy.KillAttempts)
}
