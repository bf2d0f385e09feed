package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"maguey/src/admissions"
	"maguey/src/db/dbtest"
	"maguey/src/errs"
	"maguey/src/models"
	"maguey/src/reservations"
	"maguey/src/types"
	"maguey/src/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/tidwall/gjson"
)

type scriptedReplayer struct {
	calls []string
	fail  map[string]error
}

func (r *scriptedReplayer) Replay(ctx context.Context, scan models.OfflineScan) (*Verdict, error) {
	r.calls = append(r.calls, scan.Token)
	if err, ok := r.fail[scan.Token]; ok {
		return nil, err
	}
	return &Verdict{Outcome: string(types.SCAN_FIRST_ENTRY)}, nil
}

type QueueSuite struct {
	suite.Suite
	ctx   context.Context
	now   time.Time
	queue *Queue
}

func (s *QueueSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 5, 2, 1, 0, 0, 0, time.UTC)
	q, err := New(dbtest.Open(s.T(), &models.OfflineScan{}), "handheld-1",
		WithClock(func() time.Time { return s.now }),
		WithBackoff(time.Second, 8*time.Second),
	)
	s.Require().NoError(err)
	s.queue = q
}

func (s *QueueSuite) TestEnqueueKeepsFirstAndOrders() {
	require.NoError(s.T(), s.queue.Enqueue(s.ctx, "b", "op", s.now, 2))
	require.NoError(s.T(), s.queue.Enqueue(s.ctx, "a", "op", s.now, 1))
	require.NoError(s.T(), s.queue.Enqueue(s.ctx, "other", "op", s.now, 2))

	pending, err := s.queue.Pending(s.ctx)
	require.NoError(s.T(), err)
	require.Len(s.T(), pending, 2)
	assert.Equal(s.T(), "a", pending[0].Token)
	assert.Equal(s.T(), "b", pending[1].Token)

	next, err := s.queue.NextSeq(s.ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(3), next)
}

func (s *QueueSuite) TestRecordAssignsSequence() {
	for _, token := range []string{"x", "y"} {
		_, err := s.queue.Record(s.ctx, token, "op", s.now)
		require.NoError(s.T(), err)
	}
	entry, err := s.queue.Get(s.ctx, 2)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "y", entry.Token)
	assert.Equal(s.T(), "handheld-1:2", entry.IdempotencyKey())
}

func (s *QueueSuite) TestDrainStopsAtFailureAndBacksOff() {
	for i, token := range []string{"a", "b", "c"} {
		require.NoError(s.T(), s.queue.Enqueue(s.ctx, token, "op", s.now, int64(i+1)))
	}
	r := &scriptedReplayer{fail: map[string]error{"b": errs.ErrSyncFailure}}

	report, err := s.queue.Drain(s.ctx, r)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, report.Synced)
	assert.Equal(s.T(), 1, report.Failed)
	assert.Equal(s.T(), []string{"a", "b"}, r.calls)

	failed, err := s.queue.Get(s.ctx, 2)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), types.SYNC_FAILED, failed.SyncStatus)
	assert.Equal(s.T(), 1, failed.Attempts)
	require.NotNil(s.T(), failed.NextAttemptAt)
	assert.True(s.T(), failed.NextAttemptAt.Equal(s.now.Add(time.Second)))

	// still inside the backoff window: nothing is attempted, c waits behind b
	report, err = s.queue.Drain(s.ctx, r)
	require.NoError(s.T(), err)
	assert.NotNil(s.T(), report.RetryAt)
	assert.Len(s.T(), r.calls, 2)

	s.now = s.now.Add(2 * time.Second)
	delete(r.fail, "b")
	report, err = s.queue.Drain(s.ctx, r)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, report.Synced)
	assert.Equal(s.T(), 0, report.Remaining)
	assert.Equal(s.T(), []string{"a", "b", "b", "c"}, r.calls)
}

func (s *QueueSuite) TestBackoffIsCapped() {
	assert.Equal(s.T(), time.Second, s.queue.backoff(1))
	assert.Equal(s.T(), 4*time.Second, s.queue.backoff(3))
	assert.Equal(s.T(), 8*time.Second, s.queue.backoff(10))
}

func (s *QueueSuite) TestPruneKeepsUnsynced() {
	require.NoError(s.T(), s.queue.Enqueue(s.ctx, "a", "op", s.now, 1))
	require.NoError(s.T(), s.queue.Enqueue(s.ctx, "b", "op", s.now, 2))
	r := &scriptedReplayer{fail: map[string]error{"b": errors.New("offline")}}
	_, err := s.queue.Drain(s.ctx, r)
	require.NoError(s.T(), err)

	n, err := s.queue.Prune(s.ctx, s.now.Add(time.Hour))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), n)

	pending, err := s.queue.Pending(s.ctx)
	require.NoError(s.T(), err)
	require.Len(s.T(), pending, 1)
	assert.Equal(s.T(), "b", pending[0].Token)
}

func TestQueueSuite(t *testing.T) {
	suite.Run(t, new(QueueSuite))
}

func TestReplayThroughProcessorIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 1, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	server := dbtest.Open(t)
	engine := reservations.New(server, reservations.WithClock(clock))
	ev, err := engine.CreateEvent(ctx, reservations.CreateEventRequest{Name: "Late", StartsAt: now.Add(-time.Hour), EndsAt: now.Add(4 * time.Hour)})
	require.NoError(t, err)
	table, err := engine.CreateResource(ctx, reservations.CreateResourceRequest{EventID: ev.ID, Name: "T1", Kind: types.RESOURCE_TABLE, Capacity: 4})
	require.NoError(t, err)
	r, err := engine.CreateReservation(ctx, reservations.CreateRequest{EventID: ev.ID, ResourceID: table.ID, PartySize: 2, PurchaserName: "Io", PurchaserEmail: "io@example.com"})
	require.NoError(t, err)
	_, err = engine.ConfirmPayment(ctx, reservations.PaymentConfirmation{ReservationID: r.ID, PaymentReference: "pi_io"})
	require.NoError(t, err)

	replayer := ProcessorReplayer{Processor: admissions.NewProcessor(server, admissions.WithClock(clock))}
	entry := models.OfflineScan{DeviceID: "handheld-9", LocalSeq: 4, Token: r.GuestPasses[0].Token, LocalTimestamp: now.Add(-5 * time.Minute)}

	first, err := replayer.Replay(ctx, entry)
	require.NoError(t, err)
	second, err := replayer.Replay(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, first.Outcome, second.Outcome)
	assert.Equal(t, string(types.SCAN_FIRST_ENTRY), second.Outcome)

	got, err := engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CheckedInCount)
	var logs int64
	server.Model(&models.ScanLog{}).Count(&logs)
	assert.Equal(t, int64(1), logs)
}

func TestDrainSettlesRejectionsThroughProcessor(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 1, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	t.Setenv("API_QRC_SECRET", "00112233445566778899aabbccddeeff")

	server := dbtest.Open(t)
	engine := reservations.New(server, reservations.WithClock(clock))
	ev, err := engine.CreateEvent(ctx, reservations.CreateEventRequest{Name: "Door", StartsAt: now.Add(-time.Hour), EndsAt: now.Add(4 * time.Hour)})
	require.NoError(t, err)
	floor, err := engine.CreateResource(ctx, reservations.CreateResourceRequest{EventID: ev.ID, Name: "Floor", Kind: types.RESOURCE_GENERAL, Capacity: 10})
	require.NoError(t, err)
	table, err := engine.CreateResource(ctx, reservations.CreateResourceRequest{EventID: ev.ID, Name: "T2", Kind: types.RESOURCE_TABLE, Capacity: 4})
	require.NoError(t, err)
	ticket, err := engine.IssueTicket(ctx, reservations.IssueTicketRequest{EventID: ev.ID, ResourceID: floor.ID, HolderName: "Lu", HolderEmail: "lu@example.com"})
	require.NoError(t, err)
	r, err := engine.CreateReservation(ctx, reservations.CreateRequest{EventID: ev.ID, ResourceID: table.ID, PartySize: 2, PurchaserName: "Io", PurchaserEmail: "io@example.com"})
	require.NoError(t, err)
	_, err = engine.ConfirmPayment(ctx, reservations.PaymentConfirmation{ReservationID: r.ID, PaymentReference: "pi_door"})
	require.NoError(t, err)

	key, err := utils.QRKey()
	require.NoError(t, err)
	printed, err := utils.EncodePassCode(key, r.GuestPasses[0].Token)
	require.NoError(t, err)
	require.Greater(t, len(printed), models.TOKEN_SIZE)

	queue, err := New(dbtest.Open(t, &models.OfflineScan{}), "handheld-3", WithClock(clock))
	require.NoError(t, err)
	scanned := []string{
		strings.Repeat("f0", 70), // unreadable, longer than any token
		ticket.Token,
		ticket.Token,
		printed,
	}
	for _, text := range scanned {
		_, err := queue.Record(ctx, text, "op-1", now.Add(-time.Minute))
		require.NoError(t, err)
	}

	replayer := ProcessorReplayer{Processor: admissions.NewProcessor(server, admissions.WithClock(clock))}
	report, err := queue.Drain(ctx, replayer)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Synced)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 0, report.Remaining)

	want := []struct {
		outcome types.ScanOutcome
		reason  string
	}{
		{types.SCAN_REJECTED, admissions.REASON_NOT_FOUND},
		{types.SCAN_FIRST_ENTRY, ""},
		{types.SCAN_REJECTED, admissions.REASON_ALREADY_USED},
		{types.SCAN_FIRST_ENTRY, ""},
	}
	for i, w := range want {
		entry, err := queue.Get(ctx, int64(i+1))
		require.NoError(t, err)
		assert.Equal(t, types.SYNC_SYNCED, entry.SyncStatus, "entry %d", i+1)
		assert.Equal(t, string(w.outcome), entry.Outcome, "entry %d", i+1)
		assert.Equal(t, w.reason, entry.Reason, "entry %d", i+1)
	}

	var logs int64
	server.Model(&models.ScanLog{}).Count(&logs)
	assert.Equal(t, int64(4), logs)
}

func TestHTTPReplayer(t *testing.T) {
	ctx := context.Background()
	entry := models.OfflineScan{DeviceID: "handheld-2", LocalSeq: 11, Token: "abc", LocalTimestamp: time.Now()}

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/scans", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "abc", gjson.GetBytes(body, "code").String())
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"outcome":"rejected","reason":"already used"}`)
	}))
	defer ok.Close()

	v, err := NewHTTPReplayer(ok.URL+"/", "secret", time.Second).Replay(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, "rejected", v.Outcome)
	assert.Equal(t, "already used", v.Reason)

	busy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"resource busy, retry"}`)
	}))
	defer busy.Close()
	_, err = NewHTTPReplayer(busy.URL, "secret", time.Second).Replay(ctx, entry)
	assert.True(t, IsSyncFailure(err))
	assert.Contains(t, err.Error(), "resource busy")

	gone := httptest.NewServer(http.NotFoundHandler())
	gone.Close()
	_, err = NewHTTPReplayer(gone.URL, "", time.Second).Replay(ctx, entry)
	assert.ErrorIs(t, err, errs.ErrSyncFailure)
}
