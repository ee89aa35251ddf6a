// Package firewall computes and reconciles the iptables state of tunnel instances.
package firewall

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ovpn-node/pkg/model"
)

// Ledger records rules before they are appended so teardown survives a crash.
type Ledger interface {
	Record(ctx context.Context, owner string, r model.Rule) error
	Forget(ctx context.Context, owner string, r model.Rule) error
	Pending(ctx context.Context) ([]JournalEntry, error)
}

// Engine applies and removes rules through an Executor.
type Engine struct {
	exec   Executor
	ledger Ledger
	log    zerolog.Logger
}

func NewEngine(exec Executor, ledger Ledger, log zerolog.Logger) *Engine {
	return &Engine{exec: exec, ledger: ledger, log: log.With().Str("component", "firewall").Logger()}
}

// Apply installs the rules that are not present yet. Each rule is probed
// concurrently and appended right after its own probe. The returned slice holds the
// rules appended by this call, in input order, also when err is set so the caller can
// tear that subset down.
func (e *Engine) Apply(ctx context.Context, owner string, rules []model.Rule) ([]model.Rule, error) {
	rules = dedupe(rules)
	appended := make([]bool, len(rules))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range rules {
		i, r := i, r
		g.Go(func() error {
			present, err := e.probe(gctx, r)
			if err != nil {
				return err
			}
			if present {
				return nil
			}
			if e.ledger != nil {
				if err := e.ledger.Record(gctx, owner, r); err != nil {
					return fmt.Errorf("%w: journal %s: %v", model.ErrRuleApply, r, err)
				}
			}
			if err := e.append(gctx, r); err != nil {
				if e.ledger != nil {
					if ferr := e.ledger.Forget(context.WithoutCancel(ctx), owner, r); ferr != nil {
						e.log.Warn().Err(ferr).Str("owner", owner).Str("rule", r.String()).Msg("journal forget failed")
					}
				}
				return err
			}
			mu.Lock()
			appended[i] = true
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	var out []model.Rule
	for i, r := range rules {
		if appended[i] {
			out = append(out, r)
		}
	}
	if err != nil {
		e.log.Error().Err(err).Str("owner", owner).Int("appended", len(out)).Msg("rule apply failed")
		return out, err
	}
	e.log.Info().Str("owner", owner).Int("rules", len(rules)).Int("appended", len(out)).Msg("rules ensured")
	return out, nil
}

func (e *Engine) probe(ctx context.Context, r model.Rule) (bool, error) {
	code, out, err := e.exec.Exec(ctx, r.CheckArgs())
	if err != nil {
		return false, fmt.Errorf("%w: probe %s: %v", model.ErrRuleApply, r, err)
	}
	switch code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	}
	return false, fmt.Errorf("%w: probe %s: exit %d (%s)", model.ErrRuleApply, r, code, strings.TrimSpace(string(out)))
}

func (e *Engine) append(ctx context.Context, r model.Rule) error {
	code, out, err := e.exec.Exec(ctx, r.AppendArgs())
	if err != nil {
		return fmt.Errorf("%w: append %s: %v", model.ErrRuleApply, r, err)
	}
	if code != 0 {
		return fmt.Errorf("%w: append %s: exit %d (%s)", model.ErrRuleApply, r, code, strings.TrimSpace(string(out)))
	}
	return nil
}

// Teardown removes exactly the given rules, newest first. Missing rules count as
// removed; refused deletions are logged and left in the journal. It never fails.
func (e *Engine) Teardown(ctx context.Context, owner string, rules []model.Rule) (removed int) {
	for i := len(rules) - 1; i >= 0; i-- {
		r := rules[i]
		code, out, err := e.exec.Exec(ctx, r.DeleteArgs())
		switch {
		case err != nil:
			e.log.Warn().Err(err).Str("owner", owner).Str("rule", r.String()).Msg("iptables delete failed")
			continue
		case code == 1:
			e.log.Debug().Str("owner", owner).Str("rule", r.String()).Msg("rule already gone")
		case code != 0:
			e.log.Warn().Str("owner", owner).Str("rule", r.String()).Int("exit", code).
				Str("output", strings.TrimSpace(string(out))).Msg("iptables refused delete")
			continue
		default:
			removed++
		}
		if e.ledger != nil {
			if err := e.ledger.Forget(ctx, owner, r); err != nil {
				e.log.Warn().Err(err).Str("owner", owner).Msg("journal forget failed")
			}
		}
	}
	e.log.Info().Str("owner", owner).Int("rules", len(rules)).Int("removed", removed).Msg("rules torn down")
	return removed
}

// Recover tears down every journaled rule left behind by a previous run. Call it
// before any lifecycle starts.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.ledger == nil {
		return 0, nil
	}
	entries, err := e.ledger.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("journal pending: %w", err)
	}
	byOwner := map[string][]model.Rule{}
	var owners []string
	for _, en := range entries {
		if _, ok := byOwner[en.Owner]; !ok {
			owners = append(owners, en.Owner)
		}
		byOwner[en.Owner] = append(byOwner[en.Owner], en.Rule)
	}
	removed := 0
	for _, owner := range owners {
		e.log.Warn().Str("owner", owner).Int("rules", len(byOwner[owner])).Msg("recovering stale rules")
		removed += e.Teardown(ctx, owner, byOwner[owner])
	}
	return removed, nil
}

func dedupe(rules []model.Rule) []model.Rule {
	seen := make(map[string]bool, len(rules))
	out := make([]model.Rule, 0, len(rules))
	for _, r := range rules {
		if seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		out = append(out, r)
	}
	return out
}
