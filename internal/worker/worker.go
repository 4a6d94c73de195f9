// Package worker drains the job queue: for each claimed job it evaluates
// the stream's filters against the block, signs and delivers the webhook,
// and records the outcome. Any number of workers can run concurrently
// against the same queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/secondlayer/streams/config"
	"github.com/secondlayer/streams/internal/log"
	"github.com/secondlayer/streams/internal/store"
)

// Worker is the webhook delivery service.
type Worker struct {
	cfg  config.WorkerConfig
	qcfg config.QueueConfig
	db   *store.Store
	http *http.Client
	id   string

	// sem bounds concurrent job processing; wg tracks in-flight jobs so
	// Stop can drain them. work outlives the claim loop's context:
	// cancelling a job mid-POST would strand it in processing (and risk a
	// duplicate delivery when the receiver got the request but the
	// completion write was cancelled).
	sem    chan struct{}
	wg     sync.WaitGroup
	work   context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a worker with a process-unique identity for job locks.
func New(cfg config.WorkerConfig, qcfg config.QueueConfig, db *store.Store) *Worker {
	host, _ := os.Hostname()
	return &Worker{
		cfg:  cfg,
		qcfg: qcfg,
		db:   db,
		http: &http.Client{Timeout: cfg.WebhookTimeout},
		id:   fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		sem:  make(chan struct{}, cfg.Concurrency),
		done: make(chan struct{}),
	}
}

// ID returns the worker's lock identity.
func (w *Worker) ID() string {
	return w.id
}

// Start launches the drain loop, the new_job listener, and the stale-job
// recovery ticker.
func (w *Worker) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.work = context.WithoutCancel(ctx)

	wake := make(chan store.Notification, 16)
	listener := store.NewListener(w.db.URL(), store.ChannelNewJob)
	go func() {
		if err := listener.Run(ctx, wake); ctx.Err() == nil {
			log.Worker.Error().Err(err).Msg("job listener exited")
		}
	}()

	go w.run(ctx, wake)

	log.Worker.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.cfg.Concurrency).
		Msg("worker started")
	return nil
}

// Stop cancels the claim loop and waits for in-flight jobs to finish
// delivering and recording their outcome.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
	w.wg.Wait()
	log.Worker.Info().Str("worker_id", w.id).Msg("worker stopped")
}

// run wakes on notifications, on a poll tick (the safety net for lost
// notifications), and on a recovery tick that reclaims jobs from dead
// workers.
func (w *Worker) run(ctx context.Context, wake <-chan store.Notification) {
	defer close(w.done)

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	reclaim := time.NewTicker(w.qcfg.RecoverInterval)
	defer reclaim.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			w.drain(ctx)
		case <-poll.C:
			w.drain(ctx)
		case <-reclaim.C:
			w.recoverStale(ctx)
		}
	}
}

// drain claims jobs until the queue is empty, dispatching each on its own
// goroutine bounded by the semaphore.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, err := w.db.ClaimJob(ctx, w.db.Pool(), w.id)
		if err != nil {
			<-w.sem
			if !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
				log.Worker.Error().Err(err).Msg("claim failed")
			}
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.process(w.work, job)
		}()
	}
}

func (w *Worker) recoverStale(ctx context.Context) {
	n, err := w.db.RecoverStaleJobs(ctx, w.db.Pool(), int64(w.qcfg.StaleThreshold.Seconds()))
	if err != nil {
		if ctx.Err() == nil {
			log.Worker.Error().Err(err).Msg("stale job recovery failed")
		}
		return
	}
	if n > 0 {
		log.Worker.Warn().Int64("jobs", n).Msg("recovered stale jobs")
		w.drain(ctx)
	}
}

// process runs one job end to end. Outcomes: delivered (complete), no
// match or permanent client error (complete), retryable failure (fail
// back to pending until the attempts cap).
func (w *Worker) process(ctx context.Context, job *store.Job) {
	pool := w.db.Pool()
	logger := log.Worker.With().Int64("job_id", job.ID).Str("stream_id", job.StreamID).Int64("height", job.BlockHeight).Logger()

	stream, err := w.db.GetStream(ctx, pool, job.StreamID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn().Msg("stream gone, completing job")
		w.complete(ctx, job)
		return
	}
	if err != nil {
		w.fail(ctx, job, fmt.Sprintf("load stream: %v", err))
		return
	}
	if stream.Status != store.StreamActive {
		logger.Debug().Msg("stream not active, completing job")
		w.complete(ctx, job)
		return
	}

	block, err := w.db.CanonicalBlockAt(ctx, pool, job.BlockHeight)
	if errors.Is(err, store.ErrNotFound) {
		// Likely a reorg in flight; the replacement block will re-enqueue.
		w.fail(ctx, job, "canonical block not found")
		return
	}
	if err != nil {
		w.fail(ctx, job, fmt.Sprintf("load block: %v", err))
		return
	}

	txs, err := w.db.TransactionsAt(ctx, pool, job.BlockHeight)
	if err != nil {
		w.fail(ctx, job, fmt.Sprintf("load transactions: %v", err))
		return
	}
	events, err := w.db.EventsAt(ctx, pool, job.BlockHeight)
	if err != nil {
		w.fail(ctx, job, fmt.Sprintf("load events: %v", err))
		return
	}

	filters, err := ParseFilters(stream.Filters)
	if err != nil {
		// Misconfigured stream; retrying cannot help.
		logger.Error().Err(err).Msg("unparseable filters, completing job")
		reason := err.Error()
		_ = w.db.RecordStreamResult(ctx, pool, stream.ID, job.BlockHeight, false, &reason)
		w.complete(ctx, job)
		return
	}

	matchedTxs, matchedEvents := filters.Match(txs, events)
	if len(matchedTxs) == 0 && len(matchedEvents) == 0 && !filters.Empty() {
		logger.Debug().Msg("no filter match")
		w.complete(ctx, job)
		return
	}

	body, err := buildPayload(stream, block, matchedTxs, matchedEvents)
	if err != nil {
		w.fail(ctx, job, fmt.Sprintf("build payload: %v", err))
		return
	}

	deliveryID := uuid.NewString()
	res := w.send(ctx, stream.WebhookURL, stream.WebhookSecret, deliveryID, body)
	w.recordOutcome(ctx, job, stream, deliveryID, body, res, logger)
}

func (w *Worker) recordOutcome(ctx context.Context, job *store.Job, stream *store.Stream, deliveryID string, body []byte, res *sendResult, logger zerolog.Logger) {
	pool := w.db.Pool()

	delivery := &store.Delivery{
		ID:          deliveryID,
		StreamID:    stream.ID,
		JobID:       &job.ID,
		BlockHeight: job.BlockHeight,
		Attempts:    job.Attempts,
		Payload:     body,
	}
	latencyMs := int32(res.latency.Milliseconds())
	delivery.ResponseTimeMs = &latencyMs
	if res.httpStatus != 0 {
		status := int32(res.httpStatus)
		delivery.HTTPStatus = &status
	}

	var lastError *string
	if res.delivered() {
		delivery.Status = store.DeliveryDelivered
	} else {
		delivery.Status = store.DeliveryFailed
		msg := res.errorString()
		delivery.Error = &msg
		lastError = &msg
	}

	if err := w.db.InsertDelivery(ctx, pool, delivery); err != nil {
		logger.Error().Err(err).Msg("record delivery failed")
	}
	if err := w.db.RecordStreamResult(ctx, pool, stream.ID, job.BlockHeight, res.delivered(), lastError); err != nil {
		logger.Error().Err(err).Msg("update stream metrics failed")
	}

	switch {
	case res.delivered():
		logger.Info().Int("http_status", res.httpStatus).Dur("latency", res.latency).Msg("delivered")
		w.complete(ctx, job)
	case res.retryable():
		logger.Warn().Str("reason", res.errorString()).Int32("attempts", job.Attempts).Msg("delivery failed, will retry")
		w.fail(ctx, job, res.errorString())
	default:
		logger.Warn().Int("http_status", res.httpStatus).Msg("permanent client error, completing job")
		w.complete(ctx, job)
	}
}

func (w *Worker) complete(ctx context.Context, job *store.Job) {
	if err := w.db.CompleteJob(ctx, w.db.Pool(), job.ID); err != nil && ctx.Err() == nil {
		log.Worker.Error().Err(err).Int64("job_id", job.ID).Msg("complete job failed")
	}
}

func (w *Worker) fail(ctx context.Context, job *store.Job, reason string) {
	if err := w.db.FailJob(ctx, w.db.Pool(), job.ID, reason, int32(w.cfg.MaxAttempts)); err != nil && ctx.Err() == nil {
		log.Worker.Error().Err(err).Int64("job_id", job.ID).Msg("fail job failed")
	}
}
