package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-microbatch"
	"github.com/taskmill/corerunner/core"
	"github.com/taskmill/corerunner/internal/config"
	"github.com/taskmill/corerunner/internal/corelog"
)

// AttemptState is a delivery attempt's lifecycle state.
type AttemptState string

const (
	AttemptPending    AttemptState = "pending"
	AttemptInProgress AttemptState = "in_progress"
	AttemptDelivered  AttemptState = "delivered"
	AttemptRetrying   AttemptState = "retrying"
	AttemptFailed     AttemptState = "failed"
)

// Attempt is the outcome of fanning one Execution out to one
// OutputDestination, reported to Fanout.Observer if configured.
type Attempt struct {
	Destination core.OutputDestination
	State       AttemptState
	Err         error
}

// Observer is notified when a delivery attempt starts (AttemptInProgress)
// and of its terminal state; it is
// optional (nil drops the notification) and exists so a caller can wire
// delivery outcomes into metrics or the repository without this package
// depending on either.
type Observer func(jobID int64, execID int64, a Attempt)

// deliveryJob is one destination's delivery, the unit microbatch groups
// to bound concurrency.
type deliveryJob struct {
	dst  core.OutputDestination
	job  *core.Job
	exec *core.Execution
	tctx *templateContext
	err  error
}

// Fanout delivers a finished Execution to every one of a Job's
// OutputDestinations independently, each with its own retry policy; one
// destination's failure never affects another.
// Delivery itself runs fire-and-forget relative to the dispatcher that
// calls Deliver — the queue package only needs acknowledgement that
// delivery was kicked off, not its outcome.
type Fanout struct {
	log      *corelog.Logger
	observer Observer
	limiter  *catrate.Limiter
	batcher  *microbatch.Batcher[*deliveryJob]
}

// New builds a Fanout. limiterRates bounds delivery attempt throughput per
// destination (keyed by a content hash of the destination's URL/path
// template) — the same sliding-window mechanism the pool uses for restart
// attempts.
func New(cfg config.DeliveryConfig, limiterRates map[time.Duration]int, observer Observer, log *corelog.Logger) *Fanout {
	if log == nil {
		log = corelog.Discard()
	}
	if len(limiterRates) == 0 {
		limiterRates = map[time.Duration]int{time.Second: 50}
	}

	f := &Fanout{
		log:      log,
		observer: observer,
		limiter:  catrate.NewLimiter(limiterRates),
	}

	maxSize := cfg.MaxBatchSize
	if maxSize <= 0 {
		maxSize = 16
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 50 * time.Millisecond
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	f.batcher = microbatch.NewBatcher[*deliveryJob](&microbatch.BatcherConfig{
		MaxSize:        maxSize,
		FlushInterval:  flush,
		MaxConcurrency: concurrency,
	}, f.processBatch)

	return f
}

// Close drains any in-flight deliveries and stops accepting new ones.
func (f *Fanout) Close() error {
	return f.batcher.Shutdown(context.Background())
}

// Deliver submits every destination in job.OutputDestinations for
// independent delivery, skipping ones that opt out of Failed executions
// via OnFailure. It does not block
// on the outcome of any individual delivery. task may be nil when the
// caller no longer has the record; task_name/task_version template vars
// are then unresolved.
func (f *Fanout) Deliver(ctx context.Context, task *core.Task, job *core.Job, exec *core.Execution) {
	tctx := newTemplateContext(task, job, exec)

	for _, dst := range job.OutputDestinations {
		if exec.Status == core.ExecutionFailed && !dst.OnFailure {
			continue
		}
		dj := &deliveryJob{dst: dst, job: job, exec: exec, tctx: tctx}
		if _, err := f.batcher.Submit(ctx, dj); err != nil {
			f.log.Warning().Err(err).Log("delivery: submit dropped (fanout closing)")
			f.report(job, exec, dst, AttemptFailed, err)
		}
	}
}

// processBatch is the microbatch.BatchProcessor: it runs each destination
// in the batch to completion. Overall concurrency is bounded by the
// Batcher's MaxConcurrency, not by batch membership — destinations in one
// batch are delivered sequentially within that slot.
func (f *Fanout) processBatch(ctx context.Context, jobs []*deliveryJob) error {
	for _, dj := range jobs {
		dj.err = f.deliverOne(ctx, dj)
	}
	return nil
}

func (f *Fanout) deliverOne(ctx context.Context, dj *deliveryJob) error {
	category := destinationCategory(dj.dst)
	if _, ok := f.limiter.Allow(category); !ok {
		err := &core.TaskError{Kind: core.KindDeliveryError, Message: "delivery: destination rate limit exceeded"}
		f.report(dj.job, dj.exec, dj.dst, AttemptFailed, err)
		return err
	}

	f.report(dj.job, dj.exec, dj.dst, AttemptInProgress, nil)

	var err error
	switch {
	case dj.dst.Webhook != nil:
		err = deliverWebhook(ctx, dj.dst.Webhook, dj.job, dj.exec, dj.tctx)
	case dj.dst.Filesystem != nil:
		err = deliverFilesystem(dj.dst.Filesystem, dj.job, dj.exec, dj.tctx)
	}

	if err != nil {
		f.log.Warning().Err(err).Log("delivery: destination failed")
		f.report(dj.job, dj.exec, dj.dst, AttemptFailed, err)
		return err
	}
	f.report(dj.job, dj.exec, dj.dst, AttemptDelivered, nil)
	return nil
}

func (f *Fanout) report(job *core.Job, exec *core.Execution, dst core.OutputDestination, state AttemptState, err error) {
	if f.observer == nil {
		return
	}
	var execID int64
	if exec != nil {
		execID = exec.ID
	}
	f.observer(job.ID, execID, Attempt{Destination: dst, State: state, Err: err})
}

// destinationCategory derives a stable rate-limiter key from a
// destination: the webhook URL template or the filesystem path template,
// hashed so the limiter's category map doesn't grow unbounded on
// high-cardinality templated values.
func destinationCategory(dst core.OutputDestination) string {
	var raw string
	switch {
	case dst.Webhook != nil:
		raw = "webhook:" + dst.Webhook.URL
	case dst.Filesystem != nil:
		raw = "fs:" + dst.Filesystem.PathTemplate
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}
