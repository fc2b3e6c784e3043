package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/boardfed/domain"
	"github.com/deemkeen/boardfed/safehttp"
	"github.com/deemkeen/boardfed/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// backoffSchedule[n-1] is the wait after the n-th failed attempt. A job that
// comes due with MaxDeliveryAttempts failures behind it is abandoned unsent.
var backoffSchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
}

const (
	// MaxDeliveryAttempts is how many times a job is sent before it is
	// abandoned.
	MaxDeliveryAttempts = 6

	DefaultDeliveryInterval    = 10 * time.Second
	DefaultDeliveryBatchSize   = 50
	DefaultDeliveryConcurrency = 8
)

// JobStore persists delivery jobs. *db.DB satisfies it.
type JobStore interface {
	InsertDeliveryJob(ctx context.Context, job *domain.DeliveryJob) (*domain.DeliveryJob, bool, error)
	ReadDueDeliveryJobs(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryJob, error)
	UpdateDeliveryJob(ctx context.Context, job *domain.DeliveryJob) error
}

// LocalActorStore loads identities hosted here. *db.DB satisfies it.
type LocalActorStore interface {
	ReadLocalActorByUsername(ctx context.Context, username string) (*domain.LocalActor, error)
	ReadLocalActorByURI(ctx context.Context, actorURI string) (*domain.LocalActor, error)
}

// DomainPolicy decides whether a remote domain may be contacted.
// *policy.Cache satisfies it.
type DomainPolicy interface {
	Allowed(domain string) bool
}

// Poster sends signed POSTs. *safehttp.Client satisfies it.
type Poster interface {
	Post(ctx context.Context, rawURL string, header http.Header, body []byte, signer safehttp.RequestSigner) (*safehttp.Response, error)
}

// Outgoing is a serialized activity ready for fan-out. Signer is the URI of
// the local actor whose key signs the deliveries.
type Outgoing struct {
	ActivityID string
	Payload    []byte
	Signer     string
}

// Recipient is one remote actor an activity is addressed to.
type Recipient struct {
	ActorURI       string
	InboxURI       string
	SharedInboxURI string
}

// RecipientOf builds a Recipient from a cached actor.
func RecipientOf(a *domain.RemoteActor) Recipient {
	return Recipient{ActorURI: a.ActorURI, InboxURI: a.InboxURI, SharedInboxURI: a.SharedInboxURI}
}

// Queue turns outgoing activities into durable delivery jobs.
type Queue struct {
	store  JobStore
	policy DomainPolicy
	clock  util.Clock
	logger zerolog.Logger
}

func NewQueue(store JobStore, policy DomainPolicy, clock util.Clock) *Queue {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Queue{
		store:  store,
		policy: policy,
		clock:  clock,
		logger: log.With().Str("component", "delivery").Logger(),
	}
}

// Enqueue creates one job per destination inbox. Recipients sharing a
// shared inbox get a single job. Blocked destinations are recorded as
// abandoned. When a job for the destination is already in flight that job is
// returned instead of a new one, and a different activity waits on the
// store's backlog until the in-flight job finishes.
func (q *Queue) Enqueue(ctx context.Context, out Outgoing, recipients []Recipient) ([]domain.DeliveryJob, error) {
	now := q.clock.Now()
	seen := make(map[string]bool, len(recipients))
	jobs := make([]domain.DeliveryJob, 0, len(recipients))

	for _, r := range recipients {
		inbox, target := r.SharedInboxURI, r.SharedInboxURI
		if inbox == "" {
			inbox, target = r.InboxURI, r.ActorURI
		}
		if inbox == "" {
			q.logger.Warn().Str("actor", r.ActorURI).Msg("Delivery: recipient has no inbox")
			continue
		}
		if seen[inbox] {
			continue
		}
		seen[inbox] = true

		job := &domain.DeliveryJob{
			ActivityURI:   out.ActivityID,
			InboxURI:      inbox,
			TargetActor:   target,
			SignerURI:     out.Signer,
			Payload:       string(out.Payload),
			Status:        domain.JobPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if !q.policy.Allowed(hostOf(inbox)) {
			job.Status = domain.JobAbandoned
			job.LastError = domain.ReasonDomainBlocked
		}

		stored, created, err := q.store.InsertDeliveryJob(ctx, job)
		if err != nil {
			return jobs, fmt.Errorf("enqueue %s to %s: %w", out.ActivityID, inbox, err)
		}
		switch {
		case created:
		case stored.ActivityURI == out.ActivityID:
			q.logger.Debug().Str("job", stored.Id.String()).Str("inbox", inbox).Msg("Delivery: already queued")
		default:
			q.logger.Debug().Str("job", stored.Id.String()).Str("inbox", inbox).Str("activity", out.ActivityID).Msg("Delivery: queued behind in-flight job")
		}
		jobs = append(jobs, *stored)
	}
	return jobs, nil
}

type WorkerOptions struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	Clock       util.Clock
}

// Worker delivers due jobs on a fixed interval.
type Worker struct {
	store  JobStore
	actors LocalActorStore
	policy DomainPolicy
	client Poster
	opts   WorkerOptions
	logger zerolog.Logger
}

func NewWorker(store JobStore, actors LocalActorStore, policy DomainPolicy, client Poster, opts WorkerOptions) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultDeliveryInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultDeliveryBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultDeliveryConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = util.SystemClock{}
	}
	return &Worker{
		store:  store,
		actors: actors,
		policy: policy,
		client: client,
		opts:   opts,
		logger: log.With().Str("component", "delivery").Logger(),
	}
}

// Run processes batches until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Dur("interval", w.opts.Interval).Int("concurrency", w.opts.Concurrency).Msg("Delivery: worker started")
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("Delivery: batch failed")
		}
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Delivery: worker stopped")
			return
		case <-ticker.C:
		}
	}
}

type outcome struct {
	job       domain.DeliveryJob
	status    int
	err       error
	blocked   bool
	exhausted bool
	cancelled bool
}

// RunOnce delivers one batch of due jobs and returns how many were
// attempted.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.store.ReadDueDeliveryJobs(ctx, w.opts.Clock.Now(), w.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read due jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	w.logger.Debug().Int("jobs", len(jobs)).Msg("Delivery: processing batch")

	results := make(chan outcome, len(jobs))
	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)

	started := 0
	go func() {
		defer close(results)
		for _, job := range jobs {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				results <- w.attempt(ctx, job)
				return nil
			})
		}
		g.Wait()
	}()

	// Outcomes already produced are stored even when shutdown has begun.
	persist := context.WithoutCancel(ctx)
	for o := range results {
		started++
		w.record(persist, o)
	}
	return started, nil
}

// attempt performs a single delivery. It never panics; a panic while sending
// is reported as a failed attempt.
func (w *Worker) attempt(ctx context.Context, job domain.DeliveryJob) (o outcome) {
	o.job = job
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Str("job", job.Id.String()).Interface("panic", r).Msg("Delivery: recovered panic")
			o.err = fmt.Errorf("panic: %v", r)
			o.cancelled = false
		}
	}()

	if !w.policy.Allowed(hostOf(job.InboxURI)) {
		o.blocked = true
		return o
	}
	if job.Attempts >= MaxDeliveryAttempts {
		o.exhausted = true
		return o
	}

	signer, err := w.signer(ctx, job.SignerURI)
	if err != nil {
		o.err = err
		return o
	}

	header := http.Header{"Content-Type": {ContentTypeActivity}}
	resp, err := w.client.Post(ctx, job.InboxURI, header, []byte(job.Payload), signer)
	if err != nil {
		o.err = err
		o.cancelled = ctx.Err() != nil && errors.Is(err, context.Canceled)
		return o
	}
	o.status = resp.StatusCode
	if !resp.OK() {
		o.err = fmt.Errorf("status %d", resp.StatusCode)
	}
	return o
}

func (w *Worker) signer(ctx context.Context, actorURI string) (*KeySigner, error) {
	acc, err := w.actors.ReadLocalActorByURI(ctx, actorURI)
	if err != nil {
		return nil, fmt.Errorf("load signer %s: %w", actorURI, err)
	}
	return NewKeySigner(acc.PrivateKeyPem, acc.KeyID(), w.opts.Clock)
}

// record applies an outcome to the job row.
func (w *Worker) record(ctx context.Context, o outcome) {
	job := o.job
	logger := w.logger.With().Str("job", job.Id.String()).Str("inbox", job.InboxURI).Logger()
	now := w.opts.Clock.Now()

	switch {
	case o.cancelled:
		logger.Debug().Msg("Delivery: interrupted by shutdown, left for next run")
		return
	case o.blocked:
		job.Status = domain.JobAbandoned
		job.LastError = domain.ReasonDomainBlocked
		logger.Info().Msg("Delivery: destination blocked, abandoning")
	case o.exhausted:
		job.Status = domain.JobAbandoned
		job.LastError = domain.ReasonMaxAttempts
		logger.Warn().Int("attempts", job.Attempts).Msg("Delivery: giving up")
	case o.err == nil:
		job.Status = domain.JobDelivered
		job.LastError = ""
		logger.Info().Int("status", o.status).Msg("Delivery: delivered")
	default:
		applyFailure(&job, o.err.Error(), now)
		logger.Info().Err(o.err).Int("attempt", job.Attempts).Time("next", job.NextAttemptAt).Msg("Delivery: failed")
	}

	job.UpdatedAt = now
	if err := w.store.UpdateDeliveryJob(ctx, &job); err != nil {
		logger.Error().Err(err).Msg("Delivery: failed to store outcome")
	}
}

// applyFailure counts a failed attempt and schedules the next one. The last
// entry of the schedule repeats if a job somehow keeps going past it.
func applyFailure(job *domain.DeliveryJob, reason string, now time.Time) {
	job.Attempts++
	job.Status = domain.JobFailed
	job.LastError = reason
	job.NextAttemptAt = now.Add(backoffSchedule[min(job.Attempts, len(backoffSchedule))-1])
}
