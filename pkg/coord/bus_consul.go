package coord

import (
	"context"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"
)

// ConsulBus maps channels onto consul user events. Subscribers long-poll the
// agent's event buffer and emit events not seen in the previous listing.
type ConsulBus struct {
	cli *consulapi.Client
	log zerolog.Logger
}

func NewConsulBus(cli *consulapi.Client, log zerolog.Logger) *ConsulBus {
	return &ConsulBus{cli: cli, log: log}
}

func (b *ConsulBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	_, _, err := b.cli.Event().Fire(&consulapi.UserEvent{Name: channel, Payload: payload}, (&consulapi.WriteOptions{}).WithContext(ctx))
	return err
}

func (b *ConsulBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if b.cli == nil {
		return nil, fmt.Errorf("consul client not configured")
	}
	events, meta, err := b.cli.Event().List(channel, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		seen[ev.ID] = struct{}{}
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		q := &consulapi.QueryOptions{WaitIndex: meta.LastIndex, WaitTime: 30 * time.Second}
		for {
			events, meta, err := b.cli.Event().List(channel, q.WithContext(ctx))
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				b.log.Warn().Err(err).Str("channel", channel).Msg("event watch failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			q.WaitIndex = meta.LastIndex
			current := make(map[string]struct{}, len(events))
			for _, ev := range events {
				current[ev.ID] = struct{}{}
				if _, ok := seen[ev.ID]; ok {
					continue
				}
				select {
				case out <- ev.Payload:
				case <-ctx.Done():
					return
				}
			}
			// the agent buffer is bounded, so forget ids that rolled out
			seen = current
		}
	}()
	return out, nil
}
