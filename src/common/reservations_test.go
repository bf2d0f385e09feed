package common

import (
	"context"
	"strconv"
	"testing"
	"time"

	"maguey/src/db/dbtest"
	"maguey/src/errs"
	"maguey/src/reservations"
	"maguey/src/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePaymentConfirmation(t *testing.T) {
	p := &PaymentConfirmations{}

	c, err := p.Parse(`{"reservation_id":12,"payment_reference":"pi_9"}`)
	require.NoError(t, err)
	assert.Equal(t, uint(12), c.ReservationID)
	assert.Equal(t, "pi_9", c.PaymentReference)

	c, err = p.Parse(`{"Type":"Notification","Message":"{\"reservation_id\":3,\"payment_reference\":\"pi_1\"}"}`)
	require.NoError(t, err)
	assert.Equal(t, uint(3), c.ReservationID)

	_, err = p.Parse(`{"reservation_id":3}`)
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = p.Parse(`nope`)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestHandleConfirmsReservation(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	engine := reservations.New(dbtest.Open(t))
	ev, err := engine.CreateEvent(ctx, reservations.CreateEventRequest{Name: "Sunday", StartsAt: now.Add(time.Hour), EndsAt: now.Add(6 * time.Hour)})
	require.NoError(t, err)
	res, err := engine.CreateResource(ctx, reservations.CreateResourceRequest{EventID: ev.ID, Name: "T9", Kind: types.RESOURCE_TABLE, Capacity: 4})
	require.NoError(t, err)
	r, err := engine.CreateReservation(ctx, reservations.CreateRequest{EventID: ev.ID, ResourceID: res.ID, PartySize: 2, PurchaserName: "Jo", PurchaserEmail: "jo@example.com"})
	require.NoError(t, err)

	p := &PaymentConfirmations{Engine: engine}
	require.NoError(t, p.Handle(`{"reservation_id":`+strconv.FormatUint(uint64(r.ID), 10)+`,"payment_reference":"pi_jo"}`))
	// unknown reservations are not redelivered
	require.NoError(t, p.Handle(`{"reservation_id":999,"payment_reference":"pi_x"}`))

	got, err := engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RESERVATION_CONFIRMED, got.Status)
}
