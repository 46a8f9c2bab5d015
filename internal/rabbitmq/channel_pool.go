package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelPool hands out confirm-mode channels to publishers. With a max size
// of one every caller shares a single channel, one at a time; larger pools
// give each concurrent publisher its own channel.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	acquireMode AcquireMode
	logger      *slog.Logger
	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps a generation-tagged channel with pool metadata
type PooledChannel struct {
	*Channel
	lastUsed time.Time
	id       string
}

// ID returns the pool-assigned channel identifier
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithAcquireMode sets how the pool waits for the connection when opening channels
func WithAcquireMode(mode AcquireMode) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.acquireMode = mode
	}
}

// WithChannelLogger sets the pool logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool. Channels are opened lazily.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		acquireMode: WaitForConnection,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get retrieves a channel from the pool, opening one if the pool has room
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	for {
		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return nil, ErrChannelPoolClosed
		}
		cp.mu.Unlock()

		select {
		case ch, ok := <-cp.channels:
			if !ok {
				return nil, ErrChannelPoolClosed
			}
			if cp.usable(ch) {
				ch.lastUsed = time.Now()
				return ch, nil
			}
			cp.discard(ch)
			continue
		default:
		}

		cp.mu.Lock()
		if cp.activeCount < cp.maxSize {
			cp.activeCount++
			cp.mu.Unlock()

			ch, err := cp.createChannel(ctx)
			if err != nil {
				cp.mu.Lock()
				cp.activeCount--
				cp.mu.Unlock()
				return nil, err
			}
			return ch, nil
		}
		cp.mu.Unlock()

		select {
		case ch, ok := <-cp.channels:
			if !ok {
				return nil, ErrChannelPoolClosed
			}
			if cp.usable(ch) {
				ch.lastUsed = time.Now()
				return ch, nil
			}
			cp.discard(ch)

		case <-ctx.Done():
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ctx.Err(),
				Timestamp: time.Now(),
			}
		}
	}
}

// Put returns a channel to the pool. Closed or stale channels are dropped.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	if !cp.usable(ch) {
		cp.discard(ch)
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		cp.activeCount--
		ch.Channel.Close()
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.channels <- ch:
	default:
		// Pool is full, close the channel
		cp.activeCount--
		ch.Channel.Close()
	}
}

// Close closes all channels in the pool
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.channels)
	cp.mu.Unlock()

	for ch := range cp.channels {
		if ch != nil && !ch.IsClosed() {
			ch.Channel.Close()
		}
		cp.mu.Lock()
		cp.activeCount--
		cp.mu.Unlock()
	}

	return nil
}

// Size returns the number of channels currently owned by the pool
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Capacity returns the maximum pool size
func (cp *ChannelPool) Capacity() int {
	return cp.maxSize
}

// Execute runs a function with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch)
	}()

	return execErr
}

func (cp *ChannelPool) usable(ch *PooledChannel) bool {
	return ch != nil && !ch.IsClosed() && cp.manager.IsCurrent(ch.Generation)
}

func (cp *ChannelPool) discard(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()

	if !ch.IsClosed() {
		ch.Channel.Close()
	}
	cp.logger.Debug("discarded pooled channel",
		"channelId", ch.id,
		"generation", ch.Generation)
}

// createChannel opens a channel and puts it into confirm mode
func (cp *ChannelPool) createChannel(ctx context.Context) (*PooledChannel, error) {
	ch, err := cp.manager.AcquireChannel(ctx, cp.acquireMode)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	if err := ch.Confirm(false); err != nil {
		ch.Channel.Close()
		return nil, &ChannelError{
			Op:        "enable confirms",
			ChannelID: id,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	return &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       id,
	}, nil
}
