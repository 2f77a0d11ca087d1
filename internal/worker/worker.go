// Package worker implements the crawl pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/cfpl-crawler/internal/clock/system"
	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
	"github.com/JakeFAU/cfpl-crawler/internal/metrics"
	"github.com/JakeFAU/cfpl-crawler/internal/queue"
	"github.com/JakeFAU/cfpl-crawler/internal/telemetry"
)

// Defaults applied by New.
const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Config controls Worker behavior.
type Config struct {
	JobID string
	// CaptureTopic and DeadLetterTopic name publisher topics; empty disables.
	CaptureTopic    string
	DeadLetterTopic string
	FetchTimeout    time.Duration
	PollInterval    time.Duration
}

// Deps are the collaborators a worker drives. Headless, Detector,
// Publisher, Edges and Budget are optional.
type Deps struct {
	Frontier   crawler.Frontier
	Fetcher    crawler.Fetcher
	Headless   crawler.Fetcher
	Detector   crawler.HeadlessDetector
	Store      crawler.ContentStore
	Catalog    crawler.Catalog
	Classifier crawler.LinkClassifier
	Scope      crawler.Scope
	Publisher  crawler.Publisher
	Edges      crawler.EdgeSink
	Budget     crawler.PageBudget
	Clock      crawler.Clock
}

// Worker consumes frontier items and executes the fetch pipeline.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case cfg.JobID == "":
		return nil, errors.New("worker requires a job id")
	case deps.Frontier == nil:
		return nil, errors.New("worker requires a frontier")
	case deps.Fetcher == nil:
		return nil, errors.New("worker requires a fetcher")
	case deps.Store == nil:
		return nil, errors.New("worker requires a content store")
	case deps.Catalog == nil:
		return nil, errors.New("worker requires a catalog")
	case deps.Classifier == nil:
		return nil, errors.New("worker requires a link classifier")
	case deps.Scope == nil:
		return nil, errors.New("worker requires a scope")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		tracer: telemetry.Tracer(),
	}, nil
}

// Run blocks, consuming frontier items until ctx is canceled or the
// frontier is closed. With a budget, a page is reserved before each dequeue
// and the worker idles while none is left. It returns an error only for
// non-transient storage failures, which must halt the job.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !w.reserve() {
			w.sleep(ctx)
			continue
		}
		item, ok, err := w.deps.Frontier.Next(ctx)
		if err != nil || !ok {
			w.settle(false)
		}
		if err != nil {
			switch {
			case errors.Is(err, crawler.ErrFrontierClosed), ctx.Err() != nil:
				return nil
			case crawler.IsFatalStorage(err):
				w.logger.Error("frontier dequeue failed", zap.String("job_id", w.cfg.JobID), zap.Error(err))
				return err
			}
			w.logger.Warn("frontier dequeue failed", zap.String("job_id", w.cfg.JobID), zap.Error(err))
			w.sleep(ctx)
			continue
		}
		if !ok {
			w.sleep(ctx)
			continue
		}
		captured, err := w.handle(ctx, item)
		w.settle(captured)
		if err != nil {
			return err
		}
	}
}

func (w *Worker) reserve() bool {
	return w.deps.Budget == nil || w.deps.Budget.Reserve()
}

// settle commits the reservation when the item was captured and releases
// it otherwise.
func (w *Worker) settle(captured bool) {
	switch {
	case w.deps.Budget == nil:
	case captured:
		w.deps.Budget.Commit()
	default:
		w.deps.Budget.Release()
	}
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Process runs one dequeued item through fetch, capture and expansion.
// Once an item is dequeued its fetch and capture finish even if ctx is
// canceled; only link expansion stops.
func (w *Worker) Process(ctx context.Context, item crawler.CrawlURL) error {
	_, err := w.handle(ctx, item)
	return err
}

// handle is Process that also reports whether the item was newly captured.
func (w *Worker) handle(ctx context.Context, item crawler.CrawlURL) (bool, error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := w.tracer.Start(ctx, "crawl.url", trace.WithAttributes(
		attribute.String("crawl.job_id", w.cfg.JobID),
		attribute.String("http.url", item.URL),
		attribute.Int("crawl.depth", item.Depth),
		attribute.Int("crawl.retry_count", item.RetryCount),
	))
	defer span.End()

	captured, err := w.process(ctx, item, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return captured, err
}

func (w *Worker) process(ctx context.Context, item crawler.CrawlURL, span trace.Span) (bool, error) {
	work := context.WithoutCancel(ctx)
	logger := w.logger.With(queue.Fields(w.cfg.JobID, item)...)

	prior, found, err := w.deps.Catalog.Lookup(work, w.cfg.JobID, item.URL)
	if err != nil {
		return false, w.storageFailure(work, item, "catalog lookup", err, logger)
	}
	if found && prior.Succeeded() {
		logger.Debug("already captured", zap.String("digest", prior.Digest))
		return false, w.complete(work, item.URL, logger)
	}

	resp, err := w.fetch(work, item, logger)
	if resp.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}
	if err != nil {
		return false, w.fetchFailure(work, item, resp, err, logger)
	}
	return w.capture(ctx, work, item, resp, logger)
}

// fetch performs the plain fetch and, when the detector asks for it, a
// headless re-fetch. A failed promotion keeps the plain response.
func (w *Worker) fetch(ctx context.Context, item crawler.CrawlURL, logger *zap.Logger) (crawler.FetchResponse, error) {
	resp, err := w.fetchWith(ctx, w.deps.Fetcher, item, false)
	if err != nil || w.deps.Headless == nil || w.deps.Detector == nil || !w.deps.Detector.ShouldPromote(resp) {
		return resp, err
	}
	rendered, herr := w.fetchWith(ctx, w.deps.Headless, item, true)
	if herr != nil {
		logger.Warn("headless promotion failed", zap.Error(herr))
		return resp, nil
	}
	rendered.UsedHeadless = true
	logger.Debug("headless promotion applied")
	return rendered, nil
}

func (w *Worker) fetchWith(ctx context.Context, f crawler.Fetcher, item crawler.CrawlURL, headless bool) (crawler.FetchResponse, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	start := w.deps.Clock.Now()
	resp, err := f.Fetch(fetchCtx, crawler.FetchRequest{
		JobID:       w.cfg.JobID,
		URL:         item.URL,
		Depth:       item.Depth,
		UseHeadless: headless,
	})
	if resp.Duration == 0 {
		resp.Duration = w.deps.Clock.Now().Sub(start)
	}
	if err != nil {
		err = crawler.ClassifyFetchError(item.URL, resp.StatusCode, err)
	} else {
		err = crawler.ClassifyStatus(item.URL, resp.StatusCode)
	}
	outcome := "success"
	switch {
	case crawler.IsRetryable(err):
		outcome = "retryable"
	case err != nil:
		outcome = "terminal"
	}
	metrics.ObserveFetch(item.URL, outcome, resp.Duration)
	return resp, err
}

func (w *Worker) fetchFailure(
	ctx context.Context,
	item crawler.CrawlURL,
	resp crawler.FetchResponse,
	cause error,
	logger *zap.Logger,
) error {
	status := statusOf(cause, resp.StatusCode)
	if !crawler.IsRetryable(cause) {
		logger.Info("fetch failed permanently", zap.Int("status_code", status), zap.Error(cause))
		if err := w.recordFailure(ctx, item, status, cause, logger); err != nil {
			return err
		}
		return w.complete(ctx, item.URL, logger)
	}
	return w.retry(ctx, item, status, cause, logger)
}

// retry hands the item back to the frontier. When that exhausts its
// retries the failure is cataloged and announced as a dead letter.
func (w *Worker) retry(ctx context.Context, item crawler.CrawlURL, status int, cause error, logger *zap.Logger) error {
	state, err := w.deps.Frontier.Retry(ctx, item, cause)
	if err != nil {
		if crawler.IsFatalStorage(err) {
			return err
		}
		logger.Warn("frontier retry failed", zap.Error(err))
		return nil
	}
	if state != crawler.StateDead {
		logger.Debug("fetch retry scheduled", zap.Error(cause))
		return nil
	}
	logger.Warn("url exhausted retries", zap.Int("status_code", status), zap.Error(cause))
	if err := w.recordFailure(ctx, item, status, cause, logger); err != nil {
		return err
	}
	w.publish(ctx, w.cfg.DeadLetterTopic, crawler.DeadLetterEvent{
		JobID:      w.cfg.JobID,
		URL:        item.URL,
		RetryCount: item.RetryCount + 1,
		Error:      queue.ErrorText(cause),
		Timestamp:  w.deps.Clock.Now(),
	}, logger)
	return nil
}

func (w *Worker) capture(
	jobCtx context.Context,
	ctx context.Context,
	item crawler.CrawlURL,
	resp crawler.FetchResponse,
	logger *zap.Logger,
) (bool, error) {
	digest, err := w.deps.Store.Put(ctx, resp.Body, resp.ContentType())
	if err != nil {
		return false, w.storageFailure(ctx, item, "content put", err, logger)
	}
	entry, err := w.deps.Catalog.RecordFetch(ctx, w.cfg.JobID, item.URL, crawler.Succeeded(crawler.FetchSuccess{
		Digest:     digest,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		ByteLength: int64(len(resp.Body)),
		Depth:      item.Depth,
		Domain:     item.Domain,
	}))
	if err != nil {
		return false, w.storageFailure(ctx, item, "catalog record", err, logger)
	}
	logger.Info("page captured",
		zap.String("digest", digest),
		zap.Int("status_code", resp.StatusCode),
		zap.Int64("discovery_order", entry.DiscoveryOrder),
		zap.Bool("headless", resp.UsedHeadless),
	)
	w.publish(ctx, w.cfg.CaptureTopic, crawler.CaptureEvent{
		JobID:          w.cfg.JobID,
		URL:            item.URL,
		Digest:         digest,
		StatusCode:     resp.StatusCode,
		DiscoveryOrder: entry.DiscoveryOrder,
		Timestamp:      entry.FetchedAt,
	}, logger)

	if jobCtx.Err() == nil {
		if err := w.expand(jobCtx, ctx, item, resp, logger); err != nil {
			return true, err
		}
	}
	return true, w.complete(ctx, item.URL, logger)
}

// expand classifies the captured page and enqueues in-scope links. jobCtx
// is checked before every Put so nothing is enqueued after cancellation.
func (w *Worker) expand(
	jobCtx context.Context,
	ctx context.Context,
	item crawler.CrawlURL,
	resp crawler.FetchResponse,
	logger *zap.Logger,
) error {
	base := resp.URL
	if base == "" {
		base = item.URL
	}
	edges, err := w.deps.Classifier.Classify(base, resp.ContentType(), resp.Body)
	if err != nil {
		logger.Warn("link extraction failed", zap.Error(err))
		return nil
	}

	enqueued := 0
	for _, edge := range edges {
		if jobCtx.Err() != nil {
			return nil
		}
		accepted := w.deps.Scope.InScope(edge.TargetURL, item.Depth)
		metrics.ObserveLink(string(edge.LinkType), accepted)
		if !accepted {
			continue
		}
		added, err := w.deps.Frontier.Put(ctx, crawler.CrawlURL{
			URL:           edge.TargetURL,
			Priority:      edge.Score,
			Depth:         item.Depth + 1,
			DiscoveredVia: item.URL,
		})
		if err != nil {
			if crawler.IsFatalStorage(err) {
				return err
			}
			logger.Debug("link not enqueued", zap.String("target", edge.TargetURL), zap.Error(err))
			continue
		}
		if added {
			enqueued++
		}
	}
	logger.Debug("links expanded", zap.Int("links", len(edges)), zap.Int("enqueued", enqueued))

	if w.deps.Edges != nil && len(edges) > 0 {
		if err := w.deps.Edges.WriteEdges(ctx, w.cfg.JobID, edges); err != nil {
			logger.Warn("edge sink write failed", zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) recordFailure(ctx context.Context, item crawler.CrawlURL, status int, cause error, logger *zap.Logger) error {
	_, err := w.deps.Catalog.RecordFetch(ctx, w.cfg.JobID, item.URL, crawler.Failed(crawler.FetchFailure{
		Err:        queue.ErrorText(cause),
		StatusCode: status,
		Depth:      item.Depth,
		Domain:     item.Domain,
	}))
	if err == nil {
		return nil
	}
	if crawler.IsFatalStorage(asStorageError("catalog record", err)) {
		return err
	}
	logger.Warn("failed to catalog fetch failure", zap.Error(err))
	return nil
}

// storageFailure halts on non-transient errors and retries the item otherwise.
func (w *Worker) storageFailure(ctx context.Context, item crawler.CrawlURL, op string, err error, logger *zap.Logger) error {
	se := asStorageError(op, err)
	if !se.Transient {
		logger.Error("storage failure", zap.String("op", op), zap.Error(err))
		return se
	}
	logger.Warn("transient storage failure", zap.String("op", op), zap.Error(err))
	return w.retry(ctx, item, 0, se, logger)
}

func (w *Worker) complete(ctx context.Context, url string, logger *zap.Logger) error {
	if err := w.deps.Frontier.Complete(ctx, url); err != nil {
		if crawler.IsFatalStorage(err) {
			return err
		}
		logger.Warn("frontier complete failed", zap.Error(err))
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, topic string, payload any, logger *zap.Logger) {
	if topic == "" || w.deps.Publisher == nil {
		return
	}
	id, err := w.deps.Publisher.Publish(ctx, topic, payload)
	if err != nil {
		logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	logger.Debug("event published", zap.String("topic", topic), zap.String("message_id", id))
}

func asStorageError(op string, err error) *crawler.StorageError {
	var se *crawler.StorageError
	if errors.As(err, &se) {
		return se
	}
	return crawler.NewStorageError(op, err)
}

func statusOf(err error, fallback int) int {
	var retryable *crawler.RetryableFetchError
	if errors.As(err, &retryable) && retryable.StatusCode != 0 {
		return retryable.StatusCode
	}
	var terminal *crawler.TerminalFetchError
	if errors.As(err, &terminal) && terminal.StatusCode != 0 {
		return terminal.StatusCode
	}
	return fallback
}
