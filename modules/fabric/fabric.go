// Package fabric fans trace update notifications out to local subscribers.
// The process holds a single pub/sub connection to the hot store; channels
// are joined when the first local subscriber arrives and left when the last
// one goes. Each subscriber reads from a bounded buffer: overflow drops the
// oldest update and marks the subscription lagged, telling the reader to
// re-snapshot the trace from the hot state.
package fabric

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ezpbars/ezpbars/pkg/clock"
	"github.com/ezpbars/ezpbars/pkg/hotstate"
	"github.com/ezpbars/ezpbars/pkg/util/log"
)

var (
	metricSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ezpbars",
		Name:      "fabric_subscriptions",
		Help:      "Local subscriptions currently attached to the fabric.",
	})
	metricDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ezpbars",
		Name:      "fabric_updates_delivered_total",
		Help:      "Updates delivered into subscriber buffers.",
	})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ezpbars",
		Name:      "fabric_updates_dropped_total",
		Help:      "Updates dropped from lagged subscriber buffers.",
	})
)

// Update is one trace change notification.
type Update struct {
	Channel string
	Payload string
}

// Subscription is a local subscriber's handle. Updates() is closed when the
// subscription is torn down.
type Subscription struct {
	fabric  *Fabric
	channel string

	ch chan Update

	// guarded by fabric.mtx
	lagged    bool
	closed    bool
	lastTouch float64
}

// Updates returns the subscriber's buffered update stream.
func (s *Subscription) Updates() <-chan Update {
	return s.ch
}

// Lagged reports whether the buffer overflowed at some point; the reader
// should re-snapshot the trace state rather than trust the stream.
func (s *Subscription) Lagged() bool {
	s.fabric.mtx.Lock()
	defer s.fabric.mtx.Unlock()
	return s.lagged
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.fabric.mtx.Lock()
	s.fabric.removeLocked(s)
	s.fabric.mtx.Unlock()
}

type Fabric struct {
	services.Service

	cfg Config
	hot *hotstate.Client
	clk clock.Clock

	mtx    sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	pubsub *redis.PubSub
}

func New(cfg Config, hot *hotstate.Client, clk clock.Clock) *Fabric {
	f := &Fabric{
		cfg:  cfg,
		hot:  hot,
		clk:  clk,
		subs: map[string]map[*Subscription]struct{}{},
	}
	f.Service = services.NewBasicService(f.starting, f.running, f.stopping)
	return f
}

func (f *Fabric) starting(ctx context.Context) error {
	// one connection for the whole process; channels are joined on demand
	f.pubsub = f.hot.Subscribe(context.Background())
	return nil
}

func (f *Fabric) running(ctx context.Context) error {
	janitor := time.NewTicker(f.cfg.IdleTimeout / 4)
	defer janitor.Stop()

	msgs := f.pubsub.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			f.dispatch(msg)
		case <-janitor.C:
			f.reapIdle()
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *Fabric) stopping(_ error) error {
	f.mtx.Lock()
	for _, set := range f.subs {
		for s := range set {
			if !s.closed {
				s.closed = true
				close(s.ch)
				metricSubscriptions.Dec()
			}
		}
	}
	f.subs = map[string]map[*Subscription]struct{}{}
	f.mtx.Unlock()
	return f.pubsub.Close()
}

// SubscribeTrace attaches a local subscriber to one trace's update channel.
func (f *Fabric) SubscribeTrace(ctx context.Context, owner, bar, traceUID string) (*Subscription, error) {
	channel := hotstate.TraceChannel(owner, bar, traceUID)

	f.mtx.Lock()
	s := &Subscription{
		fabric:    f,
		channel:   channel,
		ch:        make(chan Update, f.cfg.QueueSize),
		lastTouch: f.clk.Now(),
	}
	first := len(f.subs[channel]) == 0
	if f.subs[channel] == nil {
		f.subs[channel] = map[*Subscription]struct{}{}
	}
	f.subs[channel][s] = struct{}{}
	metricSubscriptions.Inc()
	f.mtx.Unlock()

	if first {
		if err := f.pubsub.Subscribe(ctx, channel); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (f *Fabric) dispatch(msg *redis.Message) {
	now := f.clk.Now()
	f.mtx.Lock()
	for s := range f.subs[msg.Channel] {
		s.lastTouch = now
		u := Update{Channel: msg.Channel, Payload: msg.Payload}
		for {
			select {
			case s.ch <- u:
				metricDelivered.Inc()
			default:
				// full: drop the oldest and flag the reader
				select {
				case <-s.ch:
					s.lagged = true
					metricDropped.Inc()
				default:
				}
				continue
			}
			break
		}
	}
	f.mtx.Unlock()
}

func (f *Fabric) reapIdle() {
	bound := f.clk.Now() - f.cfg.IdleTimeout.Seconds()
	f.mtx.Lock()
	for _, set := range f.subs {
		for s := range set {
			if s.lastTouch < bound {
				f.removeLocked(s)
			}
		}
	}
	f.mtx.Unlock()
}

// removeLocked detaches a subscription, closing its stream and leaving the
// redis channel when it was the last local subscriber. Caller holds f.mtx.
func (f *Fabric) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	metricSubscriptions.Dec()

	set := f.subs[s.channel]
	delete(set, s)
	if len(set) == 0 {
		delete(f.subs, s.channel)
		if err := f.pubsub.Unsubscribe(context.Background(), s.channel); err != nil {
			level.Warn(log.Logger).Log("msg", "failed leaving pub/sub channel",
				"channel", s.channel, "err", err)
		}
	}
}
