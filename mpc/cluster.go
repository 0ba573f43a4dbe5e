package mpc

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"ccxchain/core/events"
	"ccxchain/core/types"
	"ccxchain/observability"
)

// EventTypeOutput is emitted when a computation succeeds. It carries the
// decrypted-for-recipient output bytes and the encryption nonce used so that
// off-path consumers can decrypt them. Nothing else about the computation is
// made public.
const EventTypeOutput = "mpc.output"

type computationEvent struct {
	evt *types.Event
}

func (e computationEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e computationEvent) Event() *types.Event { return e.evt }

// ComputeFunc produces the result for one submission. The default echoes the
// encrypted inputs back as outputs, which is what the identity-verification
// circuits amount to from the core's point of view: the content stays opaque.
type ComputeFunc func(req SubmitRequest) Result

// Cluster is an in-process stand-in for the external computation network. It
// accepts submissions, executes them asynchronously in submission-independent
// order and delivers exactly one callback per accepted request. Visible
// failures are surfaced to the submitter; nothing is retried internally.
type Cluster struct {
	mu       sync.Mutex
	accepted map[uint64]struct{}
	queue    chan SubmitRequest
	stopped  bool
	offline  bool

	callback Callback
	compute  ComputeFunc
	emitter  events.Emitter
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// ClusterOption customises cluster construction.
type ClusterOption func(*Cluster)

// WithEmitter sets the emitter used for computation output events.
func WithEmitter(emitter events.Emitter) ClusterOption {
	return func(c *Cluster) {
		if emitter != nil {
			c.emitter = emitter
		}
	}
}

// WithCompute overrides the computation function. Tests use this to force
// aborts or specific outputs.
func WithCompute(fn ComputeFunc) ClusterOption {
	return func(c *Cluster) {
		if fn != nil {
			c.compute = fn
		}
	}
}

// WithLogger sets the cluster logger.
func WithLogger(logger *slog.Logger) ClusterOption {
	return func(c *Cluster) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithQueueDepth bounds the number of computations waiting to execute.
func WithQueueDepth(depth int) ClusterOption {
	return func(c *Cluster) {
		if depth > 0 {
			c.queue = make(chan SubmitRequest, depth)
		}
	}
}

// NewCluster starts a cluster delivering results to the given callback.
func NewCluster(callback Callback, opts ...ClusterOption) *Cluster {
	c := &Cluster{
		accepted: make(map[uint64]struct{}),
		queue:    make(chan SubmitRequest, 64),
		callback: callback,
		compute:  EchoCompute,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// EchoCompute returns the encrypted inputs as outputs together with the
// submission nonce.
func EchoCompute(req SubmitRequest) Result {
	res := Result{}
	for _, arg := range req.Args {
		switch arg.Kind {
		case ArgEncryptedU8, ArgEncryptedU64:
			res.Ciphertexts = append(res.Ciphertexts, arg.Ciphertext)
		case ArgPlaintextU128:
			res.Nonce = arg.U128
		}
	}
	return res
}

// AbortCompute unconditionally aborts. Tests use it for the failure path.
func AbortCompute(SubmitRequest) Result {
	return Result{Aborted: true}
}

// SetOffline toggles submission acceptance without stopping the worker.
func (c *Cluster) SetOffline(offline bool) {
	c.mu.Lock()
	c.offline = offline
	c.mu.Unlock()
}

// Submit implements the Gateway interface.
func (c *Cluster) Submit(ctx context.Context, req SubmitRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		observability.Gateway().ObserveSubmission("malformed")
		return err
	}
	c.mu.Lock()
	if c.stopped || c.offline {
		c.mu.Unlock()
		observability.Gateway().ObserveSubmission("unavailable")
		return ErrClusterUnavailable
	}
	if _, ok := c.accepted[req.RequestID]; ok {
		c.mu.Unlock()
		observability.Gateway().ObserveSubmission("reused")
		return fmt.Errorf("%w: %d", ErrRequestIDReused, req.RequestID)
	}
	select {
	case c.queue <- req:
		c.accepted[req.RequestID] = struct{}{}
		depth := len(c.queue)
		c.mu.Unlock()
		observability.Gateway().ObserveSubmission("accepted")
		observability.Gateway().SetQueueDepth(depth)
		return nil
	default:
		c.mu.Unlock()
		observability.Gateway().ObserveSubmission("unavailable")
		return fmt.Errorf("%w: queue full", ErrClusterUnavailable)
	}
}

// Close drains the queue and waits for in-flight callbacks. Every accepted
// request still receives its callback before Close returns.
func (c *Cluster) Close() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.queue)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Cluster) run() {
	defer c.wg.Done()
	for req := range c.queue {
		res := c.compute(req)
		observability.Gateway().SetQueueDepth(len(c.queue))
		if res.Aborted {
			observability.Gateway().ObserveCallback("aborted")
		} else {
			observability.Gateway().ObserveCallback("success")
			c.emitOutput(req.RequestID, res)
		}
		if c.callback == nil {
			continue
		}
		if err := c.callback(req.RequestID, res); err != nil {
			c.logger.Warn("computation callback returned error",
				slog.Uint64("requestId", req.RequestID),
				slog.String("error", err.Error()))
		}
	}
}

func (c *Cluster) emitOutput(requestID uint64, res Result) {
	outputs := make([]string, 0, len(res.Ciphertexts))
	for _, ct := range res.Ciphertexts {
		outputs = append(outputs, hex.EncodeToString(ct[:]))
	}
	evt := &types.Event{
		Type: EventTypeOutput,
		Attributes: map[string]string{
			"requestId":     strconv.FormatUint(requestID, 10),
			"outputs":       strings.Join(outputs, ","),
			"nonce":         hex.EncodeToString(res.Nonce[:]),
			"recipientOnly": "1",
		},
	}
	c.emitter.Emit(computationEvent{evt: evt})
}
