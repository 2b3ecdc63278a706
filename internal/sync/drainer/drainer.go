// Package drainer replays queued offline mutations when connectivity
// returns. One drain at a time per device — the per-device lock is what
// preserves sequence-number ordering — while different devices drain in
// parallel, CRITICAL work first.
package drainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	evvmodels "caretrack/internal/evv/models"
	"caretrack/internal/evv/rules"
	"caretrack/internal/sync/conflict"
	"caretrack/internal/sync/metrics"
	"caretrack/internal/sync/models"
	"caretrack/internal/sync/ports"
	"caretrack/internal/sync/queue"
	id "caretrack/pkg/domain"
	dErrors "caretrack/pkg/domain-errors"
	"caretrack/pkg/platform/sentinel"
)

// Submitter dispatches replayed EVV records into the compliance router.
type Submitter interface {
	Submit(ctx context.Context, record *evvmodels.EVVRecord, jurisdiction rules.Jurisdiction) (*evvmodels.SubmissionResult, error)
}

// Report summarizes one device drain.
type Report struct {
	DeviceID  id.DeviceID `json:"device_id"`
	Completed int         `json:"completed"`
	Retried   int         `json:"retried"`
	Failed    int         `json:"failed"`
	Conflicts int         `json:"conflicts"`
	Blocked   int         `json:"blocked"`
	Deferred  int         `json:"deferred"`
}

// Drainer orchestrates replay.
type Drainer struct {
	queue     *queue.Service
	conflicts *conflict.Service
	entities  ports.EntityStore
	submitter Submitter
	locker    ports.Locker

	lockTTL time.Duration
	workers int
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures the Drainer.
type Option func(*Drainer)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Drainer) { d.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Drainer) { d.metrics = m }
}

// WithWorkers bounds how many devices drain in parallel.
func WithWorkers(n int) Option {
	return func(d *Drainer) { d.workers = n }
}

func WithLockTTL(ttl time.Duration) Option {
	return func(d *Drainer) { d.lockTTL = ttl }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(d *Drainer) { d.now = now }
}

// New wires the drainer.
func New(q *queue.Service, conflicts *conflict.Service, entities ports.EntityStore, submitter Submitter, locker ports.Locker, opts ...Option) (*Drainer, error) {
	if q == nil || conflicts == nil || entities == nil || submitter == nil || locker == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "queue, conflict service, entity store, submitter and locker are all required")
	}
	d := &Drainer{
		queue:     q,
		conflicts: conflicts,
		entities:  entities,
		submitter: submitter,
		locker:    locker,
		lockTTL:   2 * time.Minute,
		workers:   4,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// DrainAll drains every device with pending work. Devices holding CRITICAL
// entries go first; up to `workers` devices drain concurrently.
func (d *Drainer) DrainAll(ctx context.Context) ([]Report, error) {
	devices, err := d.queue.PendingDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending devices: %w", err)
	}

	reports := make([]Report, len(devices))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, device := range devices {
		g.Go(func() error {
			report, err := d.Drain(ctx, device)
			if errors.Is(err, sentinel.ErrLocked) {
				// Another drainer has this device; its entries are covered.
				return nil
			}
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// Drain replays one device's queue in sequence-number order. Returns
// sentinel.ErrLocked when another drain holds the device.
func (d *Drainer) Drain(ctx context.Context, deviceID id.DeviceID) (Report, error) {
	report := Report{DeviceID: deviceID}

	release, ok, err := d.locker.Acquire(ctx, "caretrack:drain:"+string(deviceID), d.lockTTL)
	if err != nil {
		return report, fmt.Errorf("acquire drain lock: %w", err)
	}
	if !ok {
		return report, sentinel.ErrLocked
	}
	defer release()

	start := d.now()
	defer func() {
		if d.metrics != nil {
			d.metrics.DrainSeconds.Observe(time.Since(start).Seconds())
		}
	}()

	entries, err := d.queue.ListOpenByDevice(ctx, deviceID)
	if err != nil {
		return report, fmt.Errorf("list entries: %w", err)
	}

	// priorCleared means every lower-sequence entry reached COMPLETED in
	// this pass. Once an entry stalls, everything after it blocks: replay
	// order within a device is strict.
	priorCleared := true
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !priorCleared || !d.dependenciesCompleted(ctx, entry) {
			if err := d.queue.Block(ctx, entry); err != nil {
				return report, err
			}
			report.Blocked++
			priorCleared = false
			continue
		}
		if entry.NextAttemptAt.After(d.now()) {
			report.Deferred++
			priorCleared = false
			continue
		}

		if entry.Status == models.EntryBlocked {
			if err := d.queue.Unblock(ctx, entry); err != nil {
				return report, err
			}
		}
		if err := d.queue.MarkInProgress(ctx, entry); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				// Lost the claim; whoever won continues this device.
				return report, nil
			}
			return report, err
		}

		outcome, err := d.replay(ctx, entry)
		if err != nil {
			return report, err
		}
		switch outcome {
		case outcomeCompleted:
			report.Completed++
		case outcomeRetried:
			report.Retried++
			priorCleared = false
		case outcomeFailed:
			report.Failed++
			priorCleared = false
		case outcomeConflict:
			report.Conflicts++
			priorCleared = false
		case outcomeReconcile:
			report.Failed++
			priorCleared = false
		}
	}

	if report.Completed+report.Failed+report.Conflicts > 0 {
		d.logger.InfoContext(ctx, "drained device queue",
			"device_id", deviceID,
			"completed", report.Completed,
			"retried", report.Retried,
			"failed", report.Failed,
			"conflicts", report.Conflicts,
			"blocked", report.Blocked,
		)
	}
	return report, nil
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeConflict
	outcomeReconcile
)

// replay applies one claimed entry: version-gated conflict detection, the
// store write, and for EVV payloads the continuation into the router.
func (d *Drainer) replay(ctx context.Context, entry *models.SyncQueueEntry) (outcome, error) {
	current, err := d.entities.Get(ctx, entry.EntityType, entry.EntityID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return d.retry(ctx, entry, err)
	}

	if diverged(entry, current) {
		detected, err := d.conflicts.Detect(ctx, entry, current)
		if err != nil {
			return outcomeFailed, err
		}
		resolved, err := d.conflicts.AutoResolve(ctx, detected)
		if err != nil {
			return outcomeFailed, err
		}
		if resolved {
			// The conflict service applied the winning payload and
			// completed the entry.
			return outcomeCompleted, nil
		}
		if err := d.queue.MarkConflict(ctx, entry); err != nil {
			return outcomeConflict, err
		}
		return outcomeConflict, nil
	}

	if err := d.applyMutation(ctx, entry, current); err != nil {
		return d.retry(ctx, entry, err)
	}
	// The write bumped the server version. Keeping the entry's base in
	// step means a retry of the submission leg below does not read as
	// divergence.
	if current != nil {
		entry.BaseVersion = current.Version + 1
	} else {
		entry.BaseVersion = 1
	}

	if entry.EntityType == models.EntityEVVRecord {
		if out, err := d.submitRecord(ctx, entry); out != outcomeCompleted || err != nil {
			return out, err
		}
	}

	if err := d.queue.Complete(ctx, entry); err != nil {
		return outcomeCompleted, err
	}
	return outcomeCompleted, nil
}

func (d *Drainer) applyMutation(ctx context.Context, entry *models.SyncQueueEntry, current *ports.EntityState) error {
	switch entry.Operation {
	case models.OpCreate:
		return d.entities.Create(ctx, entry.EntityType, entry.EntityID, entry.Payload)
	case models.OpUpdate, models.OpMerge:
		return d.entities.Update(ctx, entry.EntityType, entry.EntityID, entry.Payload, current.Version)
	case models.OpDelete:
		return d.entities.Delete(ctx, entry.EntityType, entry.EntityID, current.Version)
	default:
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown operation %q", entry.Operation)
	}
}

// submitRecord continues a replayed EVV payload into the compliance router.
func (d *Drainer) submitRecord(ctx context.Context, entry *models.SyncQueueEntry) (outcome, error) {
	var record evvmodels.EVVRecord
	if err := json.Unmarshal(entry.Payload, &record); err != nil {
		return d.fail(ctx, entry, fmt.Errorf("unmarshal EVV payload: %w", err))
	}
	// The store write bumped the version past the queued copy.
	record.Version = entry.BaseVersion

	result, err := d.submitter.Submit(ctx, &record, rules.Jurisdiction(record.Jurisdiction))
	switch {
	case err == nil && result.Success:
		return outcomeCompleted, nil
	case err == nil:
		// Vendor rejection: retrying the same payload is pointless.
		return d.fail(ctx, entry, fmt.Errorf("vendor rejected: %s: %s", result.ErrorCode, result.ErrorMessage))
	case errors.Is(err, context.Canceled):
		// The request may have reached the vendor. Blind retry risks a
		// duplicate submission; park for reconciliation.
		if markErr := d.queue.MarkNeedsReconciliation(ctx, entry); markErr != nil {
			return outcomeReconcile, markErr
		}
		return outcomeReconcile, nil
	case dErrors.HasCode(err, dErrors.CodeTransport):
		return d.retry(ctx, entry, err)
	case dErrors.HasCode(err, dErrors.CodeConfiguration):
		return d.fail(ctx, entry, err)
	default:
		return d.retry(ctx, entry, err)
	}
}

func (d *Drainer) retry(ctx context.Context, entry *models.SyncQueueEntry, cause error) (outcome, error) {
	if err := d.queue.Fail(ctx, entry, cause); err != nil {
		return outcomeRetried, err
	}
	if entry.Status == models.EntryFailed {
		return outcomeFailed, nil
	}
	return outcomeRetried, nil
}

func (d *Drainer) fail(ctx context.Context, entry *models.SyncQueueEntry, cause error) (outcome, error) {
	if err := d.queue.FailPermanent(ctx, entry, cause); err != nil {
		return outcomeFailed, err
	}
	return outcomeFailed, nil
}

// diverged reports whether replaying the entry would overwrite server
// state the mutation was not built against.
func diverged(entry *models.SyncQueueEntry, current *ports.EntityState) bool {
	switch entry.Operation {
	case models.OpCreate:
		return current != nil
	case models.OpUpdate, models.OpMerge, models.OpDelete:
		return current == nil || current.Version != entry.BaseVersion
	}
	return false
}

func (d *Drainer) dependenciesCompleted(ctx context.Context, entry *models.SyncQueueEntry) bool {
	for _, depID := range entry.DependsOn {
		dep, err := d.queue.Get(ctx, depID)
		if err != nil || dep.Status != models.EntryCompleted {
			return false
		}
	}
	return true
}
