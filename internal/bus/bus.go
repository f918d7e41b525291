package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"chess-arena/internal/errs"
)

const (
	subjectRoot = "arena"
	streamName  = "ARENA_EVENTS"
	streamAge   = 24 * time.Hour
)

// Handler receives envelopes from remote nodes. Handlers must not
// block; slow work should be handed off.
type Handler func(Envelope)

// Bus distributes game events between nodes over NATS. Every publish
// goes through JetStream so the persistence consumer sees it at least
// once; live fan-out uses plain subscriptions on the same subjects.
//
// When NATS is unreachable the bus runs in local mode: publishes are
// delivered to the local sink only and remote fan-out is skipped, so a
// single node keeps serving its own games.
type Bus struct {
	nodeID string
	logger *zap.Logger

	nc *nats.Conn
	js jetstream.JetStream

	mu        sync.Mutex
	subs      []*nats.Subscription
	localSink func(Envelope)
	closed    bool
}

// New connects to NATS and ensures the event stream exists. A failed
// connection is not fatal: the returned bus runs in local mode.
func New(ctx context.Context, url, nodeID string, logger *zap.Logger) (*Bus, error) {
	b := &Bus{nodeID: nodeID, logger: logger}

	nc, err := nats.Connect(url,
		nats.Name("chess-arena-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		logger.Warn("nats unavailable, running in local mode", zap.Error(err))
		return b, nil
	}
	b.nc = nc

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		b.nc = nil
		return b, fmt.Errorf("jetstream: %w", err)
	}
	b.js = js

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectRoot + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    streamAge,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		return b, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	logger.Info("event bus connected", zap.String("nodeId", nodeID), zap.String("stream", streamName))
	return b, nil
}

// Connected reports whether the bus has a live NATS connection.
func (b *Bus) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// SetLocalSink registers the in-process consumer used when NATS is
// down. In connected mode the sink is ignored; the JetStream consumer
// covers persistence.
func (b *Bus) SetLocalSink(fn func(Envelope)) {
	b.mu.Lock()
	b.localSink = fn
	b.mu.Unlock()
}

func subjectFor(ch Channel, gameID string) string {
	if gameID == "" {
		return fmt.Sprintf("%s.%s", subjectRoot, ch)
	}
	return fmt.Sprintf("%s.%s.%s", subjectRoot, ch, gameID)
}

// Publish sends the envelope to all nodes. Events for the same game go
// out on the same subject, which preserves their order end to end.
func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if !b.Connected() {
		b.mu.Lock()
		sink := b.localSink
		b.mu.Unlock()
		if sink != nil {
			sink(env)
		}
		return errs.ErrBusUnavailable
	}

	subject := subjectFor(env.Channel, env.GameID)
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		b.logger.Error("publish failed",
			zap.String("subject", subject),
			zap.String("eventType", string(env.EventType)),
			zap.Error(err))
		b.mu.Lock()
		sink := b.localSink
		b.mu.Unlock()
		if sink != nil {
			sink(env)
		}
		return fmt.Errorf("publish %s: %w", subject, errs.ErrBusUnavailable)
	}
	return nil
}

// Subscribe delivers every remote envelope on the channel to fn.
// Envelopes published by this node are dropped so locally handled
// events are not replayed to their own clients.
func (b *Bus) Subscribe(ch Channel, fn Handler) error {
	if b.nc == nil {
		return nil
	}
	// per-game events land on arena.<ch>.<gameId>, game-less ones on
	// the bare channel subject; cover both.
	wide := fmt.Sprintf("%s.%s.>", subjectRoot, ch)
	sub, err := b.nc.Subscribe(wide, func(msg *nats.Msg) {
		b.dispatch(msg.Data, fn)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", wide, err)
	}
	flat := fmt.Sprintf("%s.%s", subjectRoot, ch)
	bare, err := b.nc.Subscribe(flat, func(msg *nats.Msg) {
		b.dispatch(msg.Data, fn)
	})
	if err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", flat, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub, bare)
	b.mu.Unlock()
	return nil
}

func (b *Bus) dispatch(data []byte, fn Handler) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("dropping malformed envelope", zap.Error(err))
		return
	}
	if env.OriginNodeID == b.nodeID {
		return
	}
	fn(env)
}

// ConsumePipeline attaches a durable JetStream consumer that sees
// every event from every node, including this one. The handler must
// return nil to ack; an error leaves the message for redelivery.
func (b *Bus) ConsumePipeline(ctx context.Context, durable string, fn func(Envelope) error) error {
	if b.js == nil {
		return errs.ErrBusUnavailable
	}
	cons, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("consumer %s: %w", durable, err)
	}
	_, err = cons.Consume(func(msg jetstream.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			b.logger.Warn("pipeline dropping malformed envelope", zap.Error(err))
			msg.Term()
			return
		}
		if err := fn(env); err != nil {
			b.logger.Warn("pipeline handler failed, will redeliver",
				zap.String("eventType", string(env.EventType)),
				zap.String("gameId", env.GameID),
				zap.Error(err))
			msg.Nak()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}
	return nil
}

// Close drains subscriptions and disconnects.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.Unsubscribe()
	}
	if b.nc != nil {
		b.nc.Drain()
	}
}
