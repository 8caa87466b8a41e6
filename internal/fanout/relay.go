package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-chat-relay/internal/chat"
	"go-chat-relay/internal/metrics"
)

const (
	DefaultRelayChannel = "chat-relay"
	defaultRelayBuffer  = 1024
	publishTimeout      = 2 * time.Second
)

// Sink receives events that arrived from other nodes.
type Sink interface {
	Deliver(ev chat.Event)
}

// envelope is the wire format on the relay channel.
type envelope struct {
	Node  string     `json:"node"`
	Event chat.Event `json:"event"`
}

type RelayOptions struct {
	Channel string
	NodeID  string
	Buffer  int
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// RedisRelay shares appended messages and tombstones with the other nodes
// over a Redis pub/sub channel. Presence stays node-local.
type RedisRelay struct {
	client  *redis.Client
	local   Sink
	channel string
	nodeID  string
	out     chan envelope
	ready   chan struct{}

	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewRedisRelay(client *redis.Client, local Sink, opts RelayOptions) *RedisRelay {
	if opts.Channel == "" {
		opts.Channel = DefaultRelayChannel
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultRelayBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RedisRelay{
		client:  client,
		local:   local,
		channel: opts.Channel,
		nodeID:  opts.NodeID,
		out:     make(chan envelope, opts.Buffer),
		ready:   make(chan struct{}),
		metrics: opts.Metrics,
		log:     opts.Logger.Named("relay"),
	}
}

// Deliver queues a locally stored event for the other nodes. It never
// blocks; when the buffer is full the event is dropped and remote
// subscribers heal the gap from history.
func (r *RedisRelay) Deliver(ev chat.Event) {
	if !relayable(ev) {
		return
	}
	select {
	case r.out <- envelope{Node: r.nodeID, Event: ev}:
	default:
		r.metrics.Relayed("dropped")
		r.log.Warn("relay buffer full, dropping event",
			zap.String("topic", ev.Topic.String()),
			zap.Int64("seq", ev.Message.Seq),
		)
	}
}

// Ready is closed once the relay is subscribed to its channel.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to the relay channel and publishes queued events until ctx
// is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for the subscription confirmation so nothing published after
	// Ready is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	close(r.ready)
	r.log.Info("relay subscribed", zap.String("channel", r.channel), zap.String("node_id", r.nodeID))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.publishLoop(gctx)
	})
	g.Go(func() error {
		ch := pubsub.Channel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				r.handle(msg.Payload)
			}
		}
	})
	return g.Wait()
}

func (r *RedisRelay) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-r.out:
			payload, err := json.Marshal(env)
			if err != nil {
				r.log.Error("encode relay envelope", zap.Error(err))
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			err = r.client.Publish(pctx, r.channel, payload).Err()
			cancel()
			if err != nil {
				r.metrics.Relayed("failed")
				r.log.Warn("relay publish failed", zap.String("topic", env.Event.Topic.String()), zap.Error(err))
				continue
			}
			r.metrics.Relayed("out")
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("discarding malformed relay payload", zap.Error(err))
		return
	}
	if env.Node == r.nodeID {
		return
	}
	if !relayable(env.Event) || env.Event.Topic.Validate() != nil {
		r.log.Warn("discarding unexpected relay event", zap.String("node_id", env.Node), zap.String("type", string(env.Event.Type)))
		return
	}

	r.metrics.Relayed("in")
	r.local.Deliver(env.Event)
}

func relayable(ev chat.Event) bool {
	switch ev.Type {
	case chat.EventMessage, chat.EventMessageDeleted:
		return ev.Message != nil
	default:
		return false
	}
}
