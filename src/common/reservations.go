package common

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maguey/src/errs"
	"maguey/src/reservations"
	"time"

	"github.com/tidwall/gjson"
)

// PaymentConfirmations applies payment-collaborator callbacks to the
// reservation engine. Payloads arrive either raw,
// {"reservation_id":1,"payment_reference":"pi_..."}, or wrapped in an SNS
// envelope whose Message field holds that document.
type PaymentConfirmations struct {
	Engine  *reservations.Engine
	Timeout time.Duration
}

// Parse extracts the confirmation from payload.
func (p *PaymentConfirmations) Parse(payload string) (*reservations.PaymentConfirmation, error) {
	if !gjson.Valid(payload) {
		return nil, errs.Validation("payment confirmation is not valid json")
	}
	doc := gjson.Parse(payload)
	if msg := doc.Get("Message"); msg.Exists() && msg.Type == gjson.String && gjson.Valid(msg.String()) {
		doc = gjson.Parse(msg.String())
	}
	id := doc.Get("reservation_id").Uint()
	ref := doc.Get("payment_reference").String()
	if id == 0 || ref == "" {
		return nil, errs.Validation("payment confirmation needs reservation_id and payment_reference")
	}
	return &reservations.PaymentConfirmation{ReservationID: uint(id), PaymentReference: ref}, nil
}

// Handle returns an error only when the message should be delivered again.
func (p *PaymentConfirmations) Handle(payload string) error {
	c, err := p.Parse(payload)
	if err != nil {
		log.Printf("[PaymentConfirmations] dropping message: %s\n", err.Error())
		return nil
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	r, err := p.Engine.ConfirmPayment(ctx, *c)
	if err != nil {
		log.Printf("[PaymentConfirmations] reservation %d: %s\n", c.ReservationID, err.Error())
		if errs.Retryable(err) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("confirm reservation %d: %w", c.ReservationID, err)
		}
		return nil
	}
	log.Printf("[PaymentConfirmations] reservation %d is %s\n", r.ID, r.Status)
	return nil
}

// Consume adapts Handle to consumers that cannot requeue.
func (p *PaymentConfirmations) Consume(payload string) {
	p.Handle(payload)
}
