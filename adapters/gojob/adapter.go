package gojob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-loyalty/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDPaymentAbandoned = core.JobIDPaymentAbandoned

	MetricJobEvents   = "loyalty.job.events"
	MetricJobDuration = "loyalty.job.duration_ms"
)

// knownJobs lists the job ids this package hands to go-job.
var knownJobs = map[string]struct{}{
	JobIDPaymentAbandoned: {},
}

// RetryPolicy bounds redelivery of a failing job.
type RetryPolicy struct {
	// MaxAttempts stops requeueing once a job has been delivered this many times. Zero
	// keeps requeueing.
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// Normalize clamps nack options for the given delivery attempt, counted from 1.
func (p RetryPolicy) Normalize(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	out.Delay = max(out.Delay, 0)
	if p.MaxDelay > 0 {
		out.Delay = min(out.Delay, p.MaxDelay)
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		out.DeadLetter = out.DeadLetter || p.DeadLetterOnMax
	}
	if !out.Requeue && !out.DeadLetter && (p.MaxAttempts == 0 || attempt < p.MaxAttempts) {
		out.Requeue = true
	}
	return out
}

func ToExecutionMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyParameters(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

func FromExecutionMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyParameters(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

// EnqueuerAdapter hands loyalty jobs to a go-job queue. Only known job ids carrying an
// idempotency key are accepted, so a repeated hand-off for the same payment collapses
// into one job on queues that deduplicate.
type EnqueuerAdapter struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuerAdapter(enqueuer queue.Enqueuer) *EnqueuerAdapter {
	return &EnqueuerAdapter{enqueuer: enqueuer}
}

func (a *EnqueuerAdapter) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	out := ToExecutionMessage(msg)
	if _, ok := knownJobs[out.JobID]; !ok {
		return fmt.Errorf("gojob: unknown job id %q", out.JobID)
	}
	if out.IdempotencyKey == "" {
		return fmt.Errorf("gojob: job %s needs an idempotency key", out.JobID)
	}
	return a.enqueuer.Enqueue(ctx, out)
}

// DequeuerAdapter reads go-job deliveries and counts how often each job, keyed by its
// idempotency key, has been handed out. The count feeds the retry policy and is dropped
// once the job is acked or leaves the queue.
type DequeuerAdapter struct {
	dequeuer queue.Dequeuer
	policy   RetryPolicy

	mu       sync.Mutex
	attempts map[string]int
}

func NewDequeuerAdapter(dequeuer queue.Dequeuer, policy RetryPolicy) *DequeuerAdapter {
	return &DequeuerAdapter{dequeuer: dequeuer, policy: policy, attempts: map[string]int{}}
}

func (a *DequeuerAdapter) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if a == nil || a.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := a.dequeuer.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, fmt.Errorf("gojob: dequeuer returned no delivery")
	}
	key := ""
	if msg := delivery.Message(); msg != nil {
		key = strings.TrimSpace(msg.IdempotencyKey)
	}
	attempt := 1
	if key != "" {
		a.mu.Lock()
		a.attempts[key]++
		attempt = a.attempts[key]
		a.mu.Unlock()
	}
	return &DeliveryAdapter{
		delivery: delivery,
		policy:   a.policy,
		attempt:  attempt,
		settle:   func() { a.forget(key) },
	}, nil
}

// Attempts reports how many times the job with key has been dequeued and not yet settled.
func (a *DequeuerAdapter) Attempts(key string) int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts[strings.TrimSpace(key)]
}

func (a *DequeuerAdapter) forget(key string) {
	if key == "" {
		return
	}
	a.mu.Lock()
	delete(a.attempts, key)
	a.mu.Unlock()
}

type DeliveryAdapter struct {
	delivery queue.Delivery
	policy   RetryPolicy
	attempt  int
	settle   func()
}

// NewDeliveryAdapter wraps a single delivery outside a DequeuerAdapter; it counts as the
// first attempt.
func NewDeliveryAdapter(delivery queue.Delivery, policy RetryPolicy) *DeliveryAdapter {
	return &DeliveryAdapter{delivery: delivery, policy: policy, attempt: 1}
}

func (d *DeliveryAdapter) Message() *core.JobExecutionMessage {
	if d == nil || d.delivery == nil {
		return nil
	}
	return FromExecutionMessage(d.delivery.Message())
}

func (d *DeliveryAdapter) Attempt() int {
	if d == nil {
		return 0
	}
	return d.attempt
}

func (d *DeliveryAdapter) Ack(ctx context.Context) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	if err := d.delivery.Ack(ctx); err != nil {
		return err
	}
	d.settled()
	return nil
}

func (d *DeliveryAdapter) Nack(ctx context.Context, opts core.JobNackOptions) error {
	return d.NackForAttempt(ctx, opts, d.Attempt())
}

func (d *DeliveryAdapter) NackForAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	normalized := d.policy.Normalize(opts, attempt)
	if err := d.delivery.Nack(ctx, queue.NackOptions{
		Delay:      normalized.Delay,
		Requeue:    normalized.Requeue,
		DeadLetter: normalized.DeadLetter,
		Reason:     normalized.Reason,
	}); err != nil {
		return err
	}
	if !normalized.Requeue {
		d.settled()
	}
	return nil
}

func (d *DeliveryAdapter) settled() {
	if d.settle != nil {
		d.settle()
	}
}

// MetricsHook reports go-job worker lifecycle events through one counter tagged by
// event, plus a duration histogram for finished runs.
type MetricsHook struct {
	recorder core.MetricsRecorder
}

func NewMetricsHook(recorder core.MetricsRecorder) *MetricsHook {
	if recorder == nil {
		recorder = core.NopMetricsRecorder{}
	}
	return &MetricsHook{recorder: recorder}
}

func (h *MetricsHook) OnStart(ctx context.Context, event worker.Event) {
	h.record(ctx, "started", event, false)
}

func (h *MetricsHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.record(ctx, "succeeded", event, true)
}

func (h *MetricsHook) OnFailure(ctx context.Context, event worker.Event) {
	h.record(ctx, "failed", event, true)
}

func (h *MetricsHook) OnRetry(ctx context.Context, event worker.Event) {
	h.record(ctx, "retried", event, false)
}

func (h *MetricsHook) record(ctx context.Context, kind string, event worker.Event, finished bool) {
	if h == nil || h.recorder == nil {
		return
	}
	jobID := "unknown"
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	if message != nil && strings.TrimSpace(message.JobID) != "" {
		jobID = strings.TrimSpace(message.JobID)
	}
	h.recorder.IncCounter(ctx, MetricJobEvents, 1, map[string]string{"job_id": jobID, "event": kind})
	if finished && event.Duration > 0 {
		h.recorder.ObserveHistogram(ctx, MetricJobDuration, float64(event.Duration.Milliseconds()), map[string]string{
			"job_id": jobID,
			"event":  kind,
		})
	}
}

func copyParameters(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var (
	_ core.JobEnqueuer = (*EnqueuerAdapter)(nil)
	_ core.JobDelivery = (*DeliveryAdapter)(nil)
	_ core.JobDequeuer = (*DequeuerAdapter)(nil)
	_ worker.Hook      = (*MetricsHook)(nil)
)
