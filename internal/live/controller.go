// Package live re-validates an edited payload after a quiet period, so a
// burst of edits produces one validation run.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"aapkit/internal/domain"
	"aapkit/internal/validator"
)

// DefaultDelay is the quiet period before a payload is validated.
const DefaultDelay = 300 * time.Millisecond

const msgLoading = "Loading schemas..."

// State is the controller's position in a validation cycle.
type State int

const (
	AwaitingSchemas State = iota
	Debouncing
	Validating
	Settled
)

func (s State) String() string {
	switch s {
	case AwaitingSchemas:
		return "awaiting-schemas"
	case Debouncing:
		return "debouncing"
	case Validating:
		return "validating"
	case Settled:
		return "settled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Loader produces the validation function on first use.
type Loader func(ctx context.Context) (validator.Func, error)

// Option configures a Controller.
type Option func(*Controller)

func WithDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithOnResult registers a callback for every settled result. It runs with
// the controller locked and must not call back into the Controller.
func WithOnResult(fn func(domain.ValidationResult)) Option {
	return func(c *Controller) { c.onResult = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// Controller debounces payload edits and publishes validation results.
type Controller struct {
	load     Loader
	delay    time.Duration
	onResult func(domain.ValidationResult)
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group
	wg     sync.WaitGroup

	mu       sync.Mutex
	validate validator.Func
	payload  any
	loaded   bool
	state    State
	result   domain.ValidationResult
	cycle    uint64
	timer    *time.Timer
	closed   bool
}

// New returns a controller waiting for schemas.
func New(load Loader, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		load:   load,
		delay:  DefaultDelay,
		logger: zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
		state:  AwaitingSchemas,
		result: domain.Invalid(msgLoading),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetPayload records the latest payload and restarts the quiet period when
// schemas are available.
func (c *Controller) SetPayload(p any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.payload = p
	if c.loaded {
		c.schedule()
	}
}

// SetSchemasLoaded reports schema availability. Losing schemas cancels any
// pending run; gaining them starts a cycle for the current payload.
func (c *Controller) SetSchemasLoaded(loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !loaded {
		c.stopTimer()
		c.cycle++
		c.loaded = false
		c.state = AwaitingSchemas
		c.publish(domain.Invalid(msgLoading))
		return
	}
	if c.loaded {
		return
	}
	c.loaded = true
	c.schedule()
}

func (c *Controller) Result() domain.ValidationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close cancels pending work and waits for running callbacks to return.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopTimer()
	c.cycle++
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

// schedule starts a new cycle. Caller holds mu.
func (c *Controller) schedule() {
	c.stopTimer()
	c.cycle++
	cycle := c.cycle
	c.state = Debouncing
	c.wg.Add(1)
	c.timer = time.AfterFunc(c.delay, func() {
		defer c.wg.Done()
		c.fire(cycle)
	})
}

// stopTimer cancels the pending timer. Caller holds mu.
func (c *Controller) stopTimer() {
	if c.timer == nil {
		return
	}
	if c.timer.Stop() {
		c.wg.Done()
	}
	c.timer = nil
}

func (c *Controller) fire(cycle uint64) {
	c.mu.Lock()
	if c.closed || cycle != c.cycle {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = Validating
	payload := c.payload
	c.mu.Unlock()

	res := c.run(payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || cycle != c.cycle {
		c.logger.Debug("discarding stale validation result", zap.Uint64("cycle", cycle))
		return
	}
	c.state = Settled
	c.publish(res)
}

// publish stores res and notifies the callback. Caller holds mu.
func (c *Controller) publish(res domain.ValidationResult) {
	c.result = res
	if c.onResult != nil {
		c.onResult(res)
	}
}

func (c *Controller) run(payload any) (res domain.ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("validation panicked", zap.Any("panic", r))
			res = failure(panicMessage(r))
		}
	}()
	fn, err := c.validator()
	if err != nil {
		c.logger.Warn("validator unavailable", zap.Error(err))
		return failure(err.Error())
	}
	return fn(payload)
}

// validator returns the cached function or loads it. Concurrent loads share
// one call; a failed load is retried on the next cycle.
func (c *Controller) validator() (validator.Func, error) {
	c.mu.Lock()
	fn := c.validate
	c.mu.Unlock()
	if fn != nil {
		return fn, nil
	}
	if c.load == nil {
		return nil, errors.New("no validator loader configured")
	}
	v, err, _ := c.group.Do("validator", func() (any, error) {
		fn, err := c.load(c.ctx)
		if err != nil {
			return nil, err
		}
		if fn == nil {
			return nil, errors.New("validator loader returned nil")
		}
		c.mu.Lock()
		c.validate = fn
		c.mu.Unlock()
		return fn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(validator.Func), nil
}

func failure(msg string) domain.ValidationResult {
	if msg == "" {
		msg = "Validation error"
	}
	return domain.Invalid(msg)
}

func panicMessage(r any) string {
	switch v := r.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return ""
	}
}
