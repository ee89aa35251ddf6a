package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"ovpn-node/pkg/coord"
	"ovpn-node/pkg/model"
)

// Channel is the bus channel lifecycle events are published on.
const Channel = "vpn-events"

// Publisher delivers lifecycle events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Fanout publishes to every member and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev model.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// KindFilter forwards only the listed kinds.
type KindFilter struct {
	Kinds []model.EventKind
	Next  Publisher
}

func (k KindFilter) Publish(ctx context.Context, ev model.Event) error {
	for _, kind := range k.Kinds {
		if kind == ev.Kind {
			return k.Next.Publish(ctx, ev)
		}
	}
	return nil
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	Log zerolog.Logger
}

func (l LogPublisher) Publish(_ context.Context, ev model.Event) error {
	e := l.Log.Info()
	switch ev.Kind {
	case model.EventAlert:
		e = l.Log.Error()
	case model.EventLog:
		e = l.Log.Debug()
	}
	e.Str("kind", string(ev.Kind)).
		Str("server", ev.ServerID).
		Str("instance", ev.InstanceID).
		Msg(ev.Message)
	return nil
}

// BusPublisher encodes events onto a coordination bus channel.
type BusPublisher struct {
	Bus     coord.Bus
	Channel string
}

func (b BusPublisher) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ch := b.Channel
	if ch == "" {
		ch = Channel
	}
	return b.Bus.Publish(ctx, ch, payload)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, model.Event) error { return nil }
