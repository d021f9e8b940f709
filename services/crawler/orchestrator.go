package crawler

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"catalogsync/lib/portal"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// POST endpoint serving one query-target kind
	QueryPath string
	// form field carrying the epoch code
	EpochField string
	// form field carrying the entity code
	EntityField string

	BatchSize   int
	Concurrency int
	BatchDelay  time.Duration
	MaxAttempts int
	// wait between attempts when the backend serves its generic error page
	Backoff time.Duration

	Markers portal.Markers
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.BatchDelay <= 0 {
		o.BatchDelay = time.Second * 2
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second * 5
	}
	return o
}

type TargetStatus int

const (
	StatusDone TargetStatus = iota
	StatusEmpty
	StatusFailed
)

func (s TargetStatus) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusEmpty:
		return "empty"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

type TargetResult struct {
	Target   Target
	Status   TargetStatus
	Outcome  portal.Outcome
	Attempts int
	Records  []Record
	Err      error
}

type RunResult struct {
	RunID   string
	Targets []TargetResult
	Records []Record
	// true when the canary probe aborted the remaining targets
	Aborted   bool
	Succeeded int
	Empty     int
	Failed    int
}

// Orchestrator drives a list of crawl targets through fetch,
// classification and extraction, with a bounded per-target retry budget
// and batched, rate-limited fanout over a shared session.
type Orchestrator struct {
	fetch   Fetcher
	auth    Authenticator
	extract Extractor
	opts    Options
}

func NewOrchestrator(fetch Fetcher, auth Authenticator, extract Extractor, opts Options) *Orchestrator {
	return &Orchestrator{
		fetch:   fetch,
		auth:    auth,
		extract: extract,
		opts:    opts.withDefaults(),
	}
}

// Run resolves every target. It always returns a result, the only
// non-nil errors are fatal ones: a rejected re-login or a cancelled
// context. A single probe against the first target runs before any
// fanout; if it fails or comes back empty the remaining targets are
// aborted outright instead of burning rate-limited quota against a
// broken session or backend outage.
func (o *Orchestrator) Run(ctx context.Context, targets []Target) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator:Run")
	defer span.End()

	result := &RunResult{RunID: uuid.NewString()}
	span.SetAttributes(
		attribute.String("run_id", result.RunID),
		attribute.Int("targets", len(targets)),
	)
	if len(targets) == 0 {
		return result, nil
	}

	slog.InfoContext(ctx, "starting crawl run",
		"run_id", result.RunID,
		"targets", len(targets),
		"batch_size", o.opts.BatchSize,
		"concurrency", o.opts.Concurrency,
	)

	canary, err := o.crawlTarget(ctx, targets[0])
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "canary probe failed fatally")
		return nil, err
	}
	result.Targets = append(result.Targets, canary)

	if canary.Status != StatusDone || len(canary.Records) == 0 {
		result.Aborted = true
		o.tally(result)
		result.Records = nil
		slog.ErrorContext(ctx, "canary target failed or came back empty, aborting remaining targets",
			"run_id", result.RunID,
			"entity", targets[0].Entity,
			"status", canary.Status.String(),
			"err", canary.Err,
		)
		span.SetStatus(codes.Error, "aborted by canary probe")
		return result, nil
	}

	remaining := targets[1:]
	for start := 0; start < len(remaining); start += o.opts.BatchSize {
		end := min(start+o.opts.BatchSize, len(remaining))
		batch := remaining[start:end]

		if start > 0 {
			err := sleepContext(ctx, o.opts.BatchDelay)
			if err != nil {
				return nil, err
			}
		}

		results := make([]TargetResult, len(batch))
		group, gctx := errgroup.WithContext(ctx)
		group.SetLimit(o.opts.Concurrency)
		for i, target := range batch {
			group.Go(func() error {
				r, err := o.crawlTarget(gctx, target)
				results[i] = r
				return err
			})
		}
		// a batch resolves fully, retries included, before the next
		// one starts
		err := group.Wait()
		result.Targets = append(result.Targets, results...)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch failed fatally")
			return nil, err
		}
	}

	o.tally(result)
	slog.InfoContext(ctx, "crawl run finished",
		"run_id", result.RunID,
		"records", len(result.Records),
		"succeeded", result.Succeeded,
		"empty", result.Empty,
		"failed", result.Failed,
	)
	return result, nil
}

// tally aggregates per-target results. Records may arrive in any
// target order, consumers must not assume ordering.
func (o *Orchestrator) tally(result *RunResult) {
	for _, r := range result.Targets {
		switch r.Status {
		case StatusDone:
			result.Succeeded++
			result.Records = append(result.Records, r.Records...)
		case StatusEmpty:
			result.Empty++
		case StatusFailed:
			result.Failed++
		}
	}
}

// crawlTarget runs one target's bounded state machine: fetch, classify
// and either finish, retry or fail. The attempt counter covers every
// retry reason so termination is guaranteed. The returned error is
// non-nil only for run-fatal conditions.
func (o *Orchestrator) crawlTarget(ctx context.Context, target Target) (TargetResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator:crawlTarget")
	defer span.End()
	span.SetAttributes(
		attribute.String("epoch", target.Epoch),
		attribute.String("entity", target.Entity),
	)

	result := TargetResult{Target: target, Status: StatusFailed}
	wait := backoff.NewConstantBackOff(o.opts.Backoff)

	for result.Attempts < o.opts.MaxAttempts {
		result.Attempts++

		res, err := o.fetch.Execute(ctx, o.buildRequest(target))
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Err = err
			slog.WarnContext(ctx, "transient fetch failure",
				"entity", target.Entity, "attempt", result.Attempts, "err", err)
			continue
		}

		outcome := o.opts.Markers.Classify(res.Body, target.Identity())
		result.Outcome = outcome

		switch outcome {
		case portal.OutcomeSuccess:
			records, err := o.extract.Extract(target, res.Body)
			if err != nil {
				result.Err = err
				slog.WarnContext(ctx, "extraction failed",
					"entity", target.Entity, "attempt", result.Attempts, "err", err)
				continue
			}
			result.Status = StatusDone
			result.Records = records
			result.Err = nil
			return result, nil

		case portal.OutcomeNoResults:
			// a legitimate empty answer, not a failure
			slog.InfoContext(ctx, "target has no results",
				"epoch", target.Epoch, "entity", target.Entity)
			result.Status = StatusEmpty
			result.Err = nil
			return result, nil

		case portal.OutcomeSessionExpired:
			result.Err = ErrSessionExpired
			if result.Attempts >= o.opts.MaxAttempts {
				break
			}
			slog.WarnContext(ctx, "session expired mid-crawl, re-authenticating",
				"entity", target.Entity, "attempt", result.Attempts)
			err := o.auth.Login(ctx)
			if errors.Is(err, portal.ErrCredentialsRejected) {
				span.SetStatus(codes.Error, err.Error())
				return result, err
			}
			if err != nil {
				slog.WarnContext(ctx, "re-login failed", "err", err)
			}

		case portal.OutcomeSystemError:
			result.Err = ErrBackendUnavailable
			if result.Attempts >= o.opts.MaxAttempts {
				break
			}
			err := sleepContext(ctx, wait.NextBackOff())
			if err != nil {
				return result, err
			}

		case portal.OutcomeVersionMismatch:
			// a routing defect, not a load defect: retry against a
			// freshly issued request with no backoff
			result.Err = ErrVersionMismatch
			slog.WarnContext(ctx, "served entity did not match the requested one",
				"entity", target.Entity, "attempt", result.Attempts)
		}
	}

	span.SetStatus(codes.Error, "retries exhausted")
	slog.ErrorContext(ctx, "target failed after exhausting retries",
		"epoch", target.Epoch,
		"entity", target.Entity,
		"attempts", result.Attempts,
		"err", result.Err,
	)
	return result, nil
}

func (o *Orchestrator) buildRequest(target Target) portal.Request {
	form := url.Values{}
	form.Set(o.opts.EpochField, target.Epoch)
	form.Set(o.opts.EntityField, target.Entity)
	for key, values := range target.Params {
		for _, v := range values {
			form.Add(key, v)
		}
	}
	return portal.Request{URL: o.opts.QueryPath, Form: form}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
