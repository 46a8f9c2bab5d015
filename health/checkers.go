package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/brocku/logistics/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionChecker reports the broker connection state
type ConnectionChecker struct {
	manager *rabbitmq.ConnectionManager
}

// NewConnectionChecker creates a connection health checker
func NewConnectionChecker(manager *rabbitmq.ConnectionManager) *ConnectionChecker {
	return &ConnectionChecker{manager: manager}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.manager.State()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":      state.String(),
			"generation": c.manager.Generation(),
		},
	}

	switch state {
	case rabbitmq.StateConnected:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	case rabbitmq.StateDisconnected, rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "Connection is being re-established"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		if err := c.manager.Err(); err != nil {
			result.Error = err.Error()
		}
	}

	result.Duration = time.Since(start)
	return result
}

// ChannelPoolChecker checks the health of a channel pool
type ChannelPoolChecker struct {
	pool *rabbitmq.ChannelPool
}

// NewChannelPoolChecker creates a new channel pool health checker
func NewChannelPoolChecker(pool *rabbitmq.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"pool_size":     c.pool.Size(),
			"pool_capacity": c.pool.Capacity(),
		},
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to get channel from pool"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	c.pool.Put(ch)

	result.Status = StatusHealthy
	result.Message = "Channel pool is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}

// QueueInspector reads queue depth and consumer count
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (amqp.Queue, error)
}

// QueueChecker checks that a queue exists and is not backed up
type QueueChecker struct {
	queueName     string
	inspector     QueueInspector
	warnThreshold int
}

// NewQueueChecker creates a queue checker. A depth above warnThreshold
// reports degraded; zero disables the threshold.
func NewQueueChecker(queueName string, inspector QueueInspector, warnThreshold int) *QueueChecker {
	return &QueueChecker{
		queueName:     queueName,
		inspector:     inspector,
		warnThreshold: warnThreshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	queue, err := c.inspector.InspectQueue(ctx, c.queueName)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	if c.warnThreshold > 0 && queue.Messages > c.warnThreshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
	}

	result.Duration = time.Since(start)
	return result
}

// MemoryChecker watches the goroutine count
type MemoryChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewMemoryChecker creates a new memory checker
func NewMemoryChecker(warnGoroutines, criticalGoroutines int) *MemoryChecker {
	return &MemoryChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Memory usage is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a ping function into a Checker
type ComponentChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewComponentChecker creates a checker that is healthy while ping succeeds
func NewComponentChecker(name string, ping func(ctx context.Context) error) *ComponentChecker {
	return &ComponentChecker{
		name: name,
		ping: ping,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
	}

	if err := c.ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%s is unreachable", c.name)
		result.Error = err.Error()
	}

	result.Duration = time.Since(start)
	return result
}
