// Package requestqueue implements the single-FIFO serialized LLM call
// queue (C7): at most one in-flight AgentRuntime invocation at any moment,
// with a fallback-model chain on failure and a timeout guard.
//
// Grounded on internal/agent/loop.go's retry/fallback plumbing and
// internal/providers/anthropic.go's RetryDo wrapper (same "try primary,
// then the fallback list in order, first success wins" shape). The teacher
// runs that logic per-call inside the agent loop; this component makes the
// queuing explicit and singular, matching spec §4.7's FIFO-with-one-worker
// contract.
package requestqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/marrow-labs/homegate/internal/providers"
	"github.com/marrow-labs/homegate/internal/runtime"
	"github.com/marrow-labs/homegate/internal/telemetry"
)

// TimeoutGuard is the 500ms post-prompt-return guard from spec §4.7.
const TimeoutGuard = 500 * time.Millisecond

// ModelRef is a "provider/model" reference plus the resolved provider.
type ModelRef struct {
	Ref      string
	Provider providers.Provider
	Model    string
}

// request is one item of queued work.
type request struct {
	id      uint64
	input   providers.Message
	resolve func(text string)
}

// Queue is the single-worker FIFO. The worker goroutine is the only reader
// of items; Enqueue is safe from any number of callers.
type Queue struct {
	rt       *runtime.Runtime
	primary  ModelRef
	fallback []ModelRef
	tracer   trace.Tracer

	items   chan request
	nextID  uint64
	mu      sync.Mutex
	started bool
}

// New creates a Queue driving rt, with primary as the default model and
// fallback as the ordered fallback chain tried on primary failure.
func New(rt *runtime.Runtime, primary ModelRef, fallback []ModelRef) *Queue {
	return &Queue{
		rt:       rt,
		primary:  primary,
		fallback: fallback,
		items:    make(chan request, 256),
		tracer:   telemetry.Noop().Tracer(),
	}
}

// SetTracer swaps in a telemetry.Provider's tracer, so every LLM call this
// Queue serializes gets an OTel span once the gateway's provider starts.
func (q *Queue) SetTracer(tracer trace.Tracer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracer = tracer
}

// Start launches the single worker goroutine. Idempotent.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go q.worker(ctx)
}

// SetFallback replaces the fallback chain (used by the `fallback` in-band
// command and the ManagementAPI's fallback routes).
func (q *Queue) SetFallback(chain []ModelRef) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fallback = chain
}

// SetPrimary replaces the primary model reference (used by the `model`
// in-band command).
func (q *Queue) SetPrimary(ref ModelRef) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.primary = ref
}

// Primary returns the current primary model reference (used by the
// `status` in-band command).
func (q *Queue) Primary() ModelRef {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.primary
}

// FallbackChain returns a copy of the current fallback chain (used by the
// `fallback list` and `status` in-band commands).
func (q *Queue) FallbackChain() []ModelRef {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ModelRef, len(q.fallback))
	copy(out, q.fallback)
	return out
}

// Enqueue submits input for processing; resolve is invoked exactly once
// with the final text, from the worker goroutine.
func (q *Queue) Enqueue(input providers.Message, resolve func(text string)) {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.mu.Unlock()

	q.items <- request{id: id, input: input, resolve: resolve}
}

// Prompt is a synchronous convenience wrapper over Enqueue for callers that
// want to block for the response (HeartbeatRunner, CronService,
// RestartManager's recovery message).
func (q *Queue) Prompt(ctx context.Context, input providers.Message) string {
	done := make(chan string, 1)
	q.Enqueue(input, func(text string) { done <- text })
	select {
	case text := <-done:
		return text
	case <-ctx.Done():
		return "(no response)"
	}
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-q.items:
			text := q.process(ctx, req)
			req.resolve(text)
		}
	}
}

// process handles exactly one request: invariant 4 (request isolation) and
// invariant 5 (fallback termination: no more than F+1 calls) hold because
// this function is the only place that ever calls rt.Prompt, and it is
// only ever invoked from the single worker goroutine.
func (q *Queue) process(ctx context.Context, req request) (result string) {
	q.mu.Lock()
	primary := q.primary
	chain := append([]ModelRef{}, q.fallback...)
	tracer := q.tracer
	q.mu.Unlock()

	ctx, span := tracer.Start(ctx, "requestqueue.process",
		trace.WithAttributes(attribute.String("model.primary", primary.Ref)))
	defer func() {
		if result == "" || result == "(no response)" {
			span.SetStatus(codes.Error, result)
		}
		span.End()
	}()

	defer func() {
		// Restore primary (provider, model) and clear scratch before the
		// next request: the ContextAssembler is the sole context owner.
		q.rt.SetProvider(primary.Provider, primary.Model)
		q.rt.ClearMessages()
	}()

	q.rt.AppendScratch(req.input)

	refs := append([]ModelRef{primary}, chain...)
	var lastErr error
	for i, ref := range refs {
		q.rt.SetProvider(ref.Provider, ref.Model)

		buf, terminal, err := q.runOnce(ctx, ref)
		if err == nil && terminal {
			return buf
		}
		lastErr = err
		if i < len(refs)-1 {
			slog.Warn("requestqueue: model failed, trying fallback",
				"ref", ref.Ref, "next", refs[i+1].Ref, "error", err)
			q.rt.ClearMessages()
			q.rt.AppendScratch(req.input)
		}
	}

	if lastErr != nil {
		return lastErr.Error()
	}
	return "(no response)"
}

// runOnce invokes the runtime once, appending text deltas into a buffer.
// On a terminal event whose message carries text, returns (buffer, true, nil).
// If 500ms elapse after Prompt returns with no terminal event observed,
// resolves with whatever text has accumulated (or "(no response)").
func (q *Queue) runOnce(ctx context.Context, ref ModelRef) (string, bool, error) {
	var mu sync.Mutex
	var buf string
	terminalCh := make(chan bool, 1)

	callErr := q.rt.Prompt(ctx, func(ev runtime.Event) {
		switch ev.Kind {
		case runtime.EventTextDelta:
			mu.Lock()
			buf += ev.Text
			mu.Unlock()
		case runtime.EventMessageEnd:
			mu.Lock()
			if ev.Message != nil && ev.Message.Content != "" {
				buf = ev.Message.Content
			}
			hasText := buf != ""
			mu.Unlock()
			if hasText {
				select {
				case terminalCh <- true:
				default:
				}
			}
		}
	})

	if callErr != nil {
		return "", false, callErr
	}

	select {
	case <-terminalCh:
		mu.Lock()
		defer mu.Unlock()
		return buf, true, nil
	case <-time.After(TimeoutGuard):
		mu.Lock()
		defer mu.Unlock()
		if buf == "" {
			buf = "(no response)"
		}
		return buf, true, nil
	}
}
