package redis

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"chartfeed/internal/model"

	goredis "github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"
)

const (
	latestTTL       = 24 * time.Hour
	breakerFailures = 5
	breakerCooldown = 30 * time.Second
)

// PublisherConfig configures the Redis publisher.
type PublisherConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher mirrors closed 1m bars into Redis for out-of-process consumers:
// PUBLISH on bars:1m:<instrument> plus SET latest:bar:<instrument> with a TTL.
// SQLite stays the source of truth, so Redis writes run through a circuit
// breaker and are dropped while it is open rather than backpressuring ingest.
type Publisher struct {
	client *goredis.Client
	cb     *gobreaker.CircuitBreaker

	mu      sync.Mutex
	stale   map[string]model.Bar // newest bar per instrument missed while the breaker was open
	dropped int64

	OnDrop func() // called when a publish is dropped (for metrics)
}

// NewPublisher connects to Redis and pings the server.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return newPublisher(client), nil
}

// newPublisher wires the breaker around an already-connected client.
func newPublisher(client *goredis.Client) *Publisher {
	p := &Publisher{
		client: client,
		stale:  make(map[string]model.Bar),
	}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis-publish",
		Timeout: breakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[redis] breaker %s: %s -> %s", name, from, to)
			if to == gobreaker.StateClosed {
				go p.flushLatest()
			}
		},
	})
	return p
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Run consumes closed bars from barCh and mirrors them into Redis.
// Blocks until ctx is cancelled or barCh is closed.
func (p *Publisher) Run(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-barCh:
			if !ok {
				return
			}
			p.publish(ctx, b)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, b model.Bar) {
	if !b.IsClosed || b.IsNull() {
		return
	}

	payload := string(b.JSON())
	latestKey := "latest:bar:" + b.Instrument
	channel := "bars:1m:" + b.Instrument

	_, err := p.cb.Execute(func() (interface{}, error) {
		pipe := p.client.Pipeline()
		pipe.Set(ctx, latestKey, payload, latestTTL)
		pipe.Publish(ctx, channel, payload)
		_, execErr := pipe.Exec(ctx)
		return nil, execErr
	})
	if err == nil {
		return
	}

	// Dropped: remember the newest bar per instrument so latest:bar converges
	// once the breaker closes. PUBLISH frames are not replayed.
	p.mu.Lock()
	p.stale[b.Instrument] = b
	p.dropped++
	n := p.dropped
	p.mu.Unlock()

	if p.OnDrop != nil {
		p.OnDrop()
	}
	if n == 1 || n%100 == 0 {
		log.Printf("[redis] publish dropped (%d total): %v", n, err)
	}
}

// flushLatest re-SETs the newest missed bar per instrument after the breaker
// closes again.
func (p *Publisher) flushLatest() {
	p.mu.Lock()
	if len(p.stale) == 0 {
		p.mu.Unlock()
		return
	}
	toFlush := p.stale
	p.stale = make(map[string]model.Bar)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := p.client.Pipeline()
	for inst, b := range toFlush {
		pipe.Set(ctx, "latest:bar:"+inst, string(b.JSON()), latestTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] latest flush error (%d instruments): %v", len(toFlush), err)
		return
	}
	log.Printf("[redis] flushed latest bars for %d instruments", len(toFlush))
}

// Dropped returns the count of publishes dropped while Redis was unavailable.
func (p *Publisher) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
