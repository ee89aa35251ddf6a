package coord

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"ovpn-node/pkg/model"
)

// Bus is a fire-and-forget pub/sub transport carrying opaque payloads.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers payloads published after the call until ctx is done.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// PublishControl sends msg on model.ControlChannel.
func PublishControl(ctx context.Context, bus Bus, msg model.ControlMessage) error {
	msg.Channel = model.ControlChannel
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, model.ControlChannel, b)
}

// ControlMessages subscribes to model.ControlChannel and yields the messages
// addressed to serverID. Undecodable payloads are dropped.
func ControlMessages(ctx context.Context, bus Bus, serverID string, log zerolog.Logger) (<-chan model.ControlMessage, error) {
	raw, err := bus.Subscribe(ctx, model.ControlChannel)
	if err != nil {
		return nil, err
	}
	out := make(chan model.ControlMessage)
	go func() {
		defer close(out)
		for b := range raw {
			var msg model.ControlMessage
			if err := json.Unmarshal(b, &msg); err != nil {
				log.Debug().Err(err).Msg("drop malformed control message")
				continue
			}
			if msg.ServerID != serverID {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// MemoryBus delivers payloads to in-process subscribers.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[string]map[chan []byte]struct{}{}}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	targets := make([]chan []byte, 0, len(b.subs[channel]))
	for ch := range b.subs[channel] {
		targets = append(targets, ch)
	}
	b.mu.Unlock()
	for _, ch := range targets {
		p := append([]byte(nil), payload...)
		select {
		case ch <- p:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// slow subscriber, drop like a lossy bus would
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = map[chan []byte]struct{}{}
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.subs[channel], ch)
			b.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-ch:
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Subscribers counts live subscriptions on channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}
