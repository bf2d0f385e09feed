// Package admissions decides entry at the door. Every scan resolves to one
// credential, takes that credential's row lock and ends with exactly one
// audit row, whatever the outcome.
package admissions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maguey/src/db"
	"maguey/src/errs"
	"maguey/src/models"
	"maguey/src/notifier"
	"maguey/src/transitions"
	"maguey/src/types"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ScanRequest struct {
	// Whatever the door read. Text that cannot be a token is rejected as
	// unknown, never refused.
	Token      string `validate:"required"`
	OperatorID string `validate:"required,max=64"`
	DeviceID   string `validate:"required,max=64"`
	ScannedAt  time.Time
	// Set by replaying devices. A key seen before returns the recorded
	// verdict without touching any state.
	IdempotencyKey string `validate:"omitempty,max=128"`
}

type ReservationSummary struct {
	ID             uint                    `json:"id"`
	Status         types.ReservationStatus `json:"status"`
	PartySize      int                     `json:"party_size"`
	CheckedInCount int                     `json:"checked_in_count"`
	PurchaserName  string                  `json:"purchaser_name"`
	ResourceID     uint                    `json:"resource_id"`
}

type ScanResult struct {
	ScanID         uint                 `json:"scan_id"`
	Outcome        types.ScanOutcome    `json:"outcome"`
	Reason         string               `json:"reason,omitempty"`
	Code           string               `json:"code,omitempty"`
	CredentialKind types.CredentialKind `json:"credential_kind,omitempty"`
	Reservation    *ReservationSummary  `json:"reservation,omitempty"`
	LastEntryAt    *time.Time           `json:"last_entry_at,omitempty"`
	Replayed       bool                 `json:"replayed,omitempty"`
}

const (
	REASON_NOT_FOUND    = "not found"
	REASON_NOT_ACTIVE   = "reservation not active"
	REASON_ALREADY_USED = "already used"
	REASON_VOIDED       = "ticket void"
)

type Processor struct {
	db       *gorm.DB
	notify   notifier.Emitter
	validate *validator.Validate
	now      func() time.Time
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func WithNotifier(n notifier.Emitter) Option {
	return func(p *Processor) { p.notify = n }
}

func NewProcessor(d *gorm.DB, opts ...Option) *Processor {
	p := &Processor{
		db:       d,
		notify:   notifier.Discard,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// scan carries one attempt through its transaction.
type scan struct {
	req     ScanRequest
	now     time.Time
	cred    *Credential
	res     *models.Reservation
	changes []notifier.ChangeEvent
}

func (s *scan) change(entity string, id, eventID, resourceID uint, state string) {
	s.changes = append(s.changes, notifier.ChangeEvent{
		EntityType: entity,
		EntityID:   id,
		EventID:    eventID,
		ResourceID: resourceID,
		NewState:   state,
		OccurredAt: s.now,
	})
}

// Process decides one scan. Logical rejections are results, not errors;
// the returned error is only set when nothing was committed.
func (p *Processor) Process(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	if err := p.validate.Struct(req); err != nil {
		return nil, errs.Validation("%s", err.Error())
	}
	now := p.now().UTC()
	if req.ScannedAt.IsZero() {
		req.ScannedAt = now
	}
	req.ScannedAt = req.ScannedAt.UTC()
	req.Token = models.ClipScanned(req.Token)

	if req.IdempotencyKey != "" {
		res, err := p.recorded(ctx, req.IdempotencyKey)
		if err != nil || res != nil {
			return res, err
		}
	}

	var result *ScanResult
	var st *scan
	err := db.Transaction(ctx, p.db, func(tx *gorm.DB) error {
		st = &scan{req: req, now: now}
		r, err := p.decide(tx, st)
		result = r
		return err
	})
	if err != nil {
		if req.IdempotencyKey != "" && db.IsDuplicate(err) {
			// a concurrent replay of the same key committed first
			return p.recorded(ctx, req.IdempotencyKey)
		}
		log.Printf("[admissions] scan on %s failed: %s\n", req.DeviceID, err.Error())
		return nil, err
	}
	for _, c := range st.changes {
		p.notify.Publish(c)
	}
	return result, nil
}

func (p *Processor) decide(tx *gorm.DB, st *scan) (*ScanResult, error) {
	if len(st.req.Token) > models.TOKEN_SIZE {
		return p.reject(tx, st, REASON_NOT_FOUND, fmt.Errorf("unreadable scan of %d bytes: %w", len(st.req.Token), errs.ErrCredentialNotFound))
	}
	cred, err := Resolve(tx, st.req.Token)
	if errors.Is(err, errs.ErrCredentialNotFound) {
		return p.reject(tx, st, REASON_NOT_FOUND, err)
	}
	if err != nil {
		return nil, err
	}
	st.cred = cred
	if !cred.ReentryEligible() {
		return p.decideTicket(tx, st)
	}
	return p.decideReserved(tx, st)
}

// decideTicket admits a plain ticket once.
func (p *Processor) decideTicket(tx *gorm.DB, st *scan) (*ScanResult, error) {
	c := st.cred
	switch c.Status {
	case statusVoided:
		return p.reject(tx, st, REASON_VOIDED, errs.Validation("ticket %d is void", c.ID))
	case statusCheckedIn:
		return p.reject(tx, st, REASON_ALREADY_USED, fmt.Errorf("ticket %d: %w", c.ID, errs.ErrAlreadyUsed))
	}
	won, err := checkIn(tx, c, st.req.ScannedAt)
	if err != nil {
		return nil, err
	}
	if !won {
		return p.reject(tx, st, REASON_ALREADY_USED, fmt.Errorf("ticket %d: %w", c.ID, errs.ErrAlreadyUsed))
	}
	var t models.Ticket
	if err := tx.Select("resource_id").Where("id = ?", c.ID).First(&t).Error; err != nil {
		return nil, err
	}
	st.change(notifier.ENTITY_TICKET, c.ID, c.EventID, t.ResourceID, statusCheckedIn)
	return p.record(tx, st, types.SCAN_FIRST_ENTRY, "", nil)
}

// decideReserved handles guest passes and linked tickets. The credential row
// is already locked; the reservation row is locked second.
func (p *Processor) decideReserved(tx *gorm.DB, st *scan) (*ScanResult, error) {
	c := st.cred
	r, ev, err := transitions.Lock(tx, *c.ReservationID)
	if err != nil {
		return nil, err
	}
	st.res = r
	c.EventID = r.EventID
	if r.Status != types.RESERVATION_CONFIRMED && r.Status != types.RESERVATION_CHECKED_IN {
		return p.reject(tx, st, REASON_NOT_ACTIVE, errs.Validation("reservation %d is %s", r.ID, r.Status))
	}

	if c.Status == statusIssued {
		won, err := checkIn(tx, c, st.req.ScannedAt)
		if err != nil {
			return nil, err
		}
		if won {
			return p.firstEntry(tx, st, ev)
		}
		c.Status = statusCheckedIn
	}
	return p.reentry(tx, st)
}

func (p *Processor) firstEntry(tx *gorm.DB, st *scan, ev *models.Event) (*ScanResult, error) {
	c, r := st.cred, st.res
	entity := notifier.ENTITY_GUEST_PASS
	if c.Kind == types.CREDENTIAL_LINKED_TICKET {
		entity = notifier.ENTITY_LINKED_TICKET
	}
	st.change(entity, c.ID, r.EventID, r.ResourceID, statusCheckedIn)

	bumped := tx.Model(&models.Reservation{}).
		Where("id = ? AND checked_in_count < party_size", r.ID).
		Update("checked_in_count", gorm.Expr("checked_in_count + 1"))
	if bumped.Error != nil {
		return nil, bumped.Error
	}
	if bumped.RowsAffected == 1 {
		r.CheckedInCount++
	}
	if r.Status == types.RESERVATION_CONFIRMED {
		if err := transitions.Apply(tx, r, types.RESERVATION_CHECKED_IN, st.req.ScannedAt, ev.StartsAt, nil); err != nil {
			return nil, err
		}
	}
	st.change(notifier.ENTITY_RESERVATION, r.ID, r.EventID, r.ResourceID, string(r.Status))
	return p.record(tx, st, types.SCAN_FIRST_ENTRY, "", nil)
}

func (p *Processor) reentry(tx *gorm.DB, st *scan) (*ScanResult, error) {
	c := st.cred
	last, err := lastEntry(tx, c.Kind, c.ID)
	if err != nil {
		return nil, err
	}
	if last == nil {
		last = c.LastEntryAt
	}
	if err := touch(tx, c, st.req.ScannedAt); err != nil {
		return nil, err
	}
	return p.record(tx, st, types.SCAN_REENTRY, "", last)
}

func (p *Processor) reject(tx *gorm.DB, st *scan, reason string, cause error) (*ScanResult, error) {
	log.Printf("[admissions] rejected %s on %s: %s\n", st.req.Token, st.req.DeviceID, cause.Error())
	return p.record(tx, st, types.SCAN_REJECTED, reason, cause)
}

// record appends the audit row and builds the verdict from it.
func (p *Processor) record(tx *gorm.DB, st *scan, outcome types.ScanOutcome, reason string, extra any) (*ScanResult, error) {
	entry := models.ScanLog{
		Token:      st.req.Token,
		Outcome:    outcome,
		Reason:     reason,
		OperatorID: st.req.OperatorID,
		DeviceID:   st.req.DeviceID,
		ScannedAt:  st.req.ScannedAt,
		RecordedAt: st.now,
		Context:    types.JSONB{"device_id": st.req.DeviceID},
	}
	var lastEntry *time.Time
	switch v := extra.(type) {
	case error:
		entry.Code = errs.Code(v)
	case *time.Time:
		lastEntry = v
		if v != nil {
			entry.Context["last_entry_at"] = v.UTC().Format(time.RFC3339)
		}
	}
	if st.req.IdempotencyKey != "" {
		key := st.req.IdempotencyKey
		entry.IdempotencyKey = &key
		entry.Context["replay"] = true
	}
	if c := st.cred; c != nil {
		entry.CredentialKind = c.Kind
		id := c.ID
		entry.CredentialID = &id
		entry.ReservationID = c.ReservationID
		if c.EventID != 0 {
			eventID := c.EventID
			entry.EventID = &eventID
		}
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}

	result := &ScanResult{
		ScanID:         entry.ID,
		Outcome:        outcome,
		Reason:         reason,
		Code:           entry.Code,
		CredentialKind: entry.CredentialKind,
		LastEntryAt:    lastEntry,
	}
	if st.res != nil {
		result.Reservation = summarize(st.res)
	}
	return result, nil
}

func summarize(r *models.Reservation) *ReservationSummary {
	return &ReservationSummary{
		ID:             r.ID,
		Status:         r.Status,
		PartySize:      r.PartySize,
		CheckedInCount: r.CheckedInCount,
		PurchaserName:  r.PurchaserName,
		ResourceID:     r.ResourceID,
	}
}

// lastEntry is the time of the most recent admitted scan of a credential.
func lastEntry(tx *gorm.DB, kind types.CredentialKind, id uint) (*time.Time, error) {
	var prev models.ScanLog
	err := tx.Where("credential_kind = ? AND credential_id = ? AND outcome IN ?", kind, id,
		[]types.ScanOutcome{types.SCAN_FIRST_ENTRY, types.SCAN_REENTRY}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "scanned_at"}, Desc: true}).
		First(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	at := prev.ScannedAt
	return &at, nil
}

// recorded returns the verdict already stored under key, or nil.
func (p *Processor) recorded(ctx context.Context, key string) (*ScanResult, error) {
	var entry models.ScanLog
	err := p.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	result := &ScanResult{
		ScanID:         entry.ID,
		Outcome:        entry.Outcome,
		Reason:         entry.Reason,
		Code:           entry.Code,
		CredentialKind: entry.CredentialKind,
		Replayed:       true,
	}
	if raw, ok := entry.Context["last_entry_at"].(string); ok {
		if at, err := time.Parse(time.RFC3339, raw); err == nil {
			result.LastEntryAt = &at
		}
	}
	if entry.ReservationID != nil {
		var r models.Reservation
		if err := p.db.WithContext(ctx).Where("id = ?", *entry.ReservationID).First(&r).Error; err == nil {
			result.Reservation = summarize(&r)
		}
	}
	return result, nil
}

// Lookup resolves token without locking anything.
func (p *Processor) Lookup(ctx context.Context, token string) (*Credential, error) {
	return find(p.db.WithContext(ctx), token, false)
}

// History lists every scan of token, oldest first.
func (p *Processor) History(ctx context.Context, token string) ([]models.ScanLog, error) {
	var entries []models.ScanLog
	err := p.db.WithContext(ctx).
		Where("token = ?", token).
		Order("scanned_at asc, id asc").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("token %q: %w", token, errs.ErrCredentialNotFound)
	}
	return entries, nil
}
