// Package offline buffers scans taken while a device cannot reach the server
// and replays them in capture order once it can.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maguey/src/db"
	"maguey/src/errs"
	"maguey/src/models"
	"maguey/src/types"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DEFAULT_BASE_BACKOFF = time.Second
	DEFAULT_MAX_BACKOFF  = 5 * time.Minute
)

// Verdict is what the server decided for a replayed scan.
type Verdict struct {
	Outcome string
	Reason  string
}

// Replayer sends one buffered scan to the authoritative store. Returning an
// error means the scan was not processed and must be retried.
type Replayer interface {
	Replay(ctx context.Context, scan models.OfflineScan) (*Verdict, error)
}

type Queue struct {
	db       *gorm.DB
	deviceID string
	now      func() time.Time
	base     time.Duration
	max      time.Duration
	mu       sync.Mutex
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithBackoff(base, max time.Duration) Option {
	return func(q *Queue) {
		q.base = base
		q.max = max
	}
}

// Open opens the device store at path.
func Open(path, deviceID string, opts ...Option) (*Queue, error) {
	d, err := db.OpenLocal(path)
	if err != nil {
		return nil, err
	}
	return New(d, deviceID, opts...)
}

func New(d *gorm.DB, deviceID string, opts ...Option) (*Queue, error) {
	if deviceID == "" {
		return nil, errs.Validation("device id is required")
	}
	if err := d.AutoMigrate(&models.OfflineScan{}); err != nil {
		return nil, err
	}
	q := &Queue{
		db:       d,
		deviceID: deviceID,
		now:      time.Now,
		base:     DEFAULT_BASE_BACKOFF,
		max:      DEFAULT_MAX_BACKOFF,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *Queue) DeviceID() string {
	return q.deviceID
}

// Enqueue stores a scan under its device sequence number. Enqueuing the same
// sequence twice keeps the first entry.
func (q *Queue) Enqueue(ctx context.Context, token, operatorID string, localTimestamp time.Time, localSeq int64) error {
	if token == "" {
		return errs.Validation("token is required")
	}
	if localSeq <= 0 {
		return errs.Validation("local sequence must be positive")
	}
	entry := models.OfflineScan{
		DeviceID:       q.deviceID,
		LocalSeq:       localSeq,
		Token:          models.ClipScanned(token),
		OperatorID:     operatorID,
		LocalTimestamp: localTimestamp.UTC(),
		SyncStatus:     types.SYNC_PENDING,
	}
	return q.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "local_seq"}},
			DoNothing: true,
		}).
		Create(&entry).Error
}

// Record assigns the next sequence number and enqueues the scan in one step.
func (q *Queue) Record(ctx context.Context, token, operatorID string, at time.Time) (int64, error) {
	var seq int64
	err := db.Transaction(ctx, q.db, func(tx *gorm.DB) error {
		next, err := nextSeq(tx, q.deviceID)
		if err != nil {
			return err
		}
		seq = next
		return (&Queue{db: tx, deviceID: q.deviceID}).Enqueue(ctx, token, operatorID, at, next)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (q *Queue) NextSeq(ctx context.Context) (int64, error) {
	return nextSeq(q.db.WithContext(ctx), q.deviceID)
}

func nextSeq(tx *gorm.DB, deviceID string) (int64, error) {
	var last int64
	err := tx.Model(&models.OfflineScan{}).
		Where("device_id = ?", deviceID).
		Select("COALESCE(MAX(local_seq), 0)").
		Row().
		Scan(&last)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// Pending lists the entries not yet synced, in replay order.
func (q *Queue) Pending(ctx context.Context) ([]models.OfflineScan, error) {
	var entries []models.OfflineScan
	err := q.db.WithContext(ctx).
		Where("device_id = ? AND sync_status <> ?", q.deviceID, types.SYNC_SYNCED).
		Order("local_seq asc").
		Find(&entries).Error
	return entries, err
}

type DrainReport struct {
	Synced    int
	Failed    int
	Remaining int
	// RetryAt is set when the head of the queue is waiting out a backoff.
	RetryAt *time.Time
}

// Drain replays pending entries through r in sequence order. It stops at the
// first entry that cannot be delivered so later scans never overtake it. Any
// verdict, including a rejection, marks the entry synced.
func (q *Queue) Drain(ctx context.Context, r Replayer) (*DrainReport, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}
	report := &DrainReport{Remaining: len(entries)}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		now := q.now().UTC()
		if entry.NextAttemptAt != nil && now.Before(*entry.NextAttemptAt) {
			retry := *entry.NextAttemptAt
			report.RetryAt = &retry
			break
		}

		verdict, rerr := r.Replay(ctx, entry)
		if rerr != nil {
			if err := q.markFailed(ctx, entry, now, rerr); err != nil {
				return report, err
			}
			report.Failed++
			log.Printf("[offline] replay of %s failed (attempt %d): %s\n", entry.IdempotencyKey(), entry.Attempts+1, rerr.Error())
			break
		}
		if err := q.markSynced(ctx, entry, now, verdict); err != nil {
			return report, err
		}
		report.Synced++
		report.Remaining--
	}
	return report, nil
}

func (q *Queue) markSynced(ctx context.Context, entry models.OfflineScan, at time.Time, v *Verdict) error {
	updates := map[string]any{
		"sync_status":     types.SYNC_SYNCED,
		"synced_at":       at,
		"attempts":        entry.Attempts + 1,
		"next_attempt_at": nil,
		"last_error":      "",
	}
	if v != nil {
		updates["outcome"] = v.Outcome
		updates["reason"] = v.Reason
	}
	return q.db.WithContext(ctx).Model(&models.OfflineScan{}).Where("id = ?", entry.ID).Updates(updates).Error
}

func (q *Queue) markFailed(ctx context.Context, entry models.OfflineScan, at time.Time, cause error) error {
	attempts := entry.Attempts + 1
	next := at.Add(q.backoff(attempts))
	return q.db.WithContext(ctx).Model(&models.OfflineScan{}).Where("id = ?", entry.ID).Updates(map[string]any{
		"sync_status":     types.SYNC_FAILED,
		"attempts":        attempts,
		"next_attempt_at": next,
		"last_error":      cause.Error(),
	}).Error
}

// backoff doubles per attempt up to the configured ceiling.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.max {
			return q.max
		}
	}
	return d
}

// Prune deletes synced entries older than cutoff. Unsynced entries are never
// removed.
func (q *Queue) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result := q.db.WithContext(ctx).
		Where("device_id = ? AND sync_status = ? AND synced_at < ?", q.deviceID, types.SYNC_SYNCED, cutoff.UTC()).
		Delete(&models.OfflineScan{})
	return result.RowsAffected, result.Error
}

// Get returns the entry stored under seq.
func (q *Queue) Get(ctx context.Context, seq int64) (*models.OfflineScan, error) {
	var entry models.OfflineScan
	err := q.db.WithContext(ctx).Where("device_id = ? AND local_seq = ?", q.deviceID, seq).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("offline scan %d: %w", seq, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
