package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionState is the lifecycle state of a ConnectionManager
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AcquireMode controls how AcquireChannel behaves while the manager is not connected
type AcquireMode int

const (
	// WaitForConnection blocks until the manager is connected or the context ends
	WaitForConnection AcquireMode = iota
	// FailFast returns ErrConnectionNotReady immediately
	FailFast
)

// Connection is the part of *amqp.Connection the manager depends on
type Connection interface {
	Channel() (*amqp.Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string) (Connection, error)

// DialAMQP is the default Dialer
func DialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Channel is an AMQP channel tagged with the connection generation that opened it.
// A channel whose generation is no longer current must not be used.
type Channel struct {
	*amqp.Channel
	Generation uint64
}

// ConnectionStateListener receives connection state change notifications.
// Callbacks run synchronously on the manager's goroutine and must not block.
type ConnectionStateListener interface {
	OnConnected(generation uint64)
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url               string
	dialer            Dialer
	dialTimeout       time.Duration
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	maxRetries        int
	logger            *slog.Logger

	mu         sync.RWMutex
	conn       Connection
	state      ConnectionState
	generation uint64
	ready      chan struct{}
	err        error

	connectMu sync.Mutex
	channelMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectDelay caps the reconnection backoff
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxReconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts.
// Zero or a negative value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithDialTimeout bounds a single connection attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:               url,
		dialer:            DialAMQP,
		dialTimeout:       30 * time.Second,
		reconnectDelay:    5 * time.Second,
		maxReconnectDelay: 5 * time.Minute,
		maxRetries:        -1, // infinite retries by default
		logger:            slog.Default(),
		state:             StateDisconnected,
		ready:             make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.ctx, cm.cancel = context.WithCancel(context.Background())
	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	cm.mu.Lock()
	switch cm.state {
	case StateConnected:
		cm.mu.Unlock()
		return nil
	case StateClosed:
		cm.mu.Unlock()
		return ErrConnectionClosed
	}
	if cm.generation > 0 {
		// the reconnect loop owns recovery once a connection has existed
		cm.mu.Unlock()
		return ErrConnectionNotReady
	}
	cm.state = StateConnecting
	cm.mu.Unlock()

	conn, err := cm.dial(ctx)
	if err != nil {
		cm.setStateIf(StateConnecting, StateDisconnected)
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	generation, ok := cm.install(conn)
	if !ok {
		return ErrConnectionClosed
	}

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"generation", generation)
	cm.notifyConnected(generation)

	return nil
}

// AcquireChannel opens a new channel on the current connection
func (cm *ConnectionManager) AcquireChannel(ctx context.Context, mode AcquireMode) (*Channel, error) {
	for {
		cm.mu.RLock()
		state, conn, generation, ready := cm.state, cm.conn, cm.generation, cm.ready
		cm.mu.RUnlock()

		switch state {
		case StateClosed:
			return nil, ErrConnectionClosed
		case StateConnected:
			return cm.openChannel(conn, generation)
		}

		if mode == FailFast {
			return nil, ErrConnectionNotReady
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, &ChannelError{
				Op:        "acquire channel",
				ChannelID: "pending",
				Err:       ctx.Err(),
				Timestamp: time.Now(),
			}
		case <-cm.ctx.Done():
			return nil, ErrConnectionClosed
		}
	}
}

// openChannel serializes channel creation on the connection
func (cm *ConnectionManager) openChannel(conn Connection, generation uint64) (*Channel, error) {
	cm.channelMu.Lock()
	defer cm.channelMu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: fmt.Sprintf("gen-%d", generation),
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	return &Channel{Channel: ch, Generation: generation}, nil
}

// State returns the current connection state
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Generation returns the number of connections established so far
func (cm *ConnectionManager) Generation() uint64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.generation
}

// IsCurrent reports whether handles from the given generation are still valid
func (cm *ConnectionManager) IsCurrent(generation uint64) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state == StateConnected && cm.generation == generation
}

// Done is closed when the manager stops for good, either through Close or
// because the reconnect budget ran out.
func (cm *ConnectionManager) Done() <-chan struct{} {
	return cm.ctx.Done()
}

// Err returns the fatal error that stopped the manager, or nil
func (cm *ConnectionManager) Err() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.err
}

// Close closes the connection and stops the reconnect loop
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		cm.mu.Lock()
		cm.state = StateClosed
		conn := cm.conn
		cm.conn = nil
		cm.mu.Unlock()

		cm.cancel()

		if conn != nil && !conn.IsClosed() {
			err = conn.Close()
		}

		cm.wg.Wait()
		cm.logger.Info("connection manager closed")
	})
	return err
}

// dial opens a connection bounded by the dial timeout
func (cm *ConnectionManager) dial(ctx context.Context) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := cm.dialer(cm.url)
		results <- result{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}

// install makes conn the current connection and starts watching it
func (cm *ConnectionManager) install(conn Connection) (uint64, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state == StateClosed {
		conn.Close()
		return 0, false
	}

	cm.conn = conn
	cm.generation++
	cm.state = StateConnected
	close(cm.ready)

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	generation := cm.generation

	cm.wg.Add(1)
	go cm.watch(notifyClose, generation)

	return generation, true
}

// watch waits for the connection of one generation to drop
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error, generation uint64) {
	defer cm.wg.Done()

	select {
	case amqpErr := <-notifyClose:
		cm.handleDisconnect(generation, amqpErr)
	case <-cm.ctx.Done():
	}
}

func (cm *ConnectionManager) handleDisconnect(generation uint64, amqpErr *amqp.Error) {
	cm.mu.Lock()
	if cm.state == StateClosed || cm.generation != generation {
		cm.mu.Unlock()
		return
	}
	cm.state = StateDisconnected
	cm.conn = nil
	cm.ready = make(chan struct{})
	cm.mu.Unlock()

	var err error = ErrConnectionClosed
	if amqpErr != nil {
		err = amqpErr
	}

	cm.logger.Error("connection lost",
		"error", err,
		"generation", generation)
	cm.notifyDisconnected(err)

	cm.reconnect()
}

// reconnect attempts to reconnect to RabbitMQ until it succeeds, the
// manager is closed, or the retry budget runs out
func (cm *ConnectionManager) reconnect() {
	retries := 0
	startTime := time.Now()

	for {
		if cm.maxRetries > 0 && retries >= cm.maxRetries {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", retries,
				"duration", time.Since(startTime))

			cm.fail(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  retries,
			})
			return
		}

		delay := cm.calculateBackoff(retries)
		cm.logger.Info("attempting to reconnect",
			"attempt", retries+1,
			"maxRetries", cm.maxRetries,
			"delay", delay)
		cm.notifyReconnecting(retries + 1)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-cm.ctx.Done():
			timer.Stop()
			return
		}

		if !cm.setStateIf(StateDisconnected, StateConnecting) {
			return
		}

		conn, err := cm.dial(cm.ctx)
		if err != nil {
			cm.setStateIf(StateConnecting, StateDisconnected)
			if cm.ctx.Err() != nil {
				return
			}
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", retries+1)
			retries++
			continue
		}

		generation, ok := cm.install(conn)
		if !ok {
			return
		}

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", retries+1,
			"generation", generation,
			"duration", time.Since(startTime))
		cm.notifyConnected(generation)
		return
	}
}

// fail moves the manager to the closed state after an unrecoverable error
func (cm *ConnectionManager) fail(err error) {
	cm.mu.Lock()
	cm.state = StateClosed
	cm.err = err
	cm.mu.Unlock()

	cm.notifyDisconnected(err)
	cm.cancel()
}

func (cm *ConnectionManager) setStateIf(from, to ConnectionState) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.state != from {
		return false
	}
	cm.state = to
	return true
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected(generation uint64) {
	for _, listener := range cm.listeners() {
		listener.OnConnected(generation)
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		listener.OnReconnecting(attempt)
	}
}

// calculateBackoff calculates the backoff duration with jitter
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	maxDelay := cm.maxReconnectDelay
	if maxDelay < base {
		maxDelay = base
	}

	delay := maxDelay
	if attempt < 32 {
		if d := base << uint(attempt); d > 0 && d < maxDelay {
			delay = d
		}
	}

	// ±12.5% jitter
	if jitter := int64(delay / 4); jitter > 0 {
		delay = delay - time.Duration(jitter/2) + time.Duration(rand.Int64N(jitter))
	}

	return delay
}
