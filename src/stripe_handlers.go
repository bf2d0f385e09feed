package main

import (
	"encoding/json"
	"io"
	"log"
	"maguey/src/errs"
	"maguey/src/lib"
	"maguey/src/reservations"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v82"
)

// paymentFromStripe extracts the reservation confirmation carried by a
// succeeded payment. ok is false for events that do not confirm anything.
func paymentFromStripe(event stripe.Event) (p reservations.PaymentConfirmation, ok bool, err error) {
	var metadata map[string]string
	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return p, false, err
		}
		metadata = pi.Metadata
		p.PaymentReference = pi.ID
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return p, false, err
		}
		if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return p, false, nil
		}
		metadata = cs.Metadata
		p.PaymentReference = cs.ID
		if cs.PaymentIntent != nil && cs.PaymentIntent.ID != "" {
			p.PaymentReference = cs.PaymentIntent.ID
		}
	default:
		return p, false, nil
	}
	id, err := strconv.ParseUint(metadata["reservation_id"], 10, 64)
	if err != nil || id == 0 {
		return p, false, nil
	}
	p.ReservationID = uint(id)
	return p, true, nil
}

func stripeWebhookRoute(g *gin.Engine, svc *services) *gin.RouterGroup {
	apiv1 := apiv1Group(g)
	apiv1.POST("/webhook/stripe", func(ctx *gin.Context) {
		payload, err := io.ReadAll(ctx.Request.Body)
		if err != nil {
			log.Printf("Error reading request body: %s\n", err.Error())
			ctx.Status(http.StatusServiceUnavailable)
			return
		}
		event, err := lib.VerifyStripeEvent(payload, ctx.GetHeader("Stripe-Signature"))
		if err != nil {
			log.Printf("Error verifying webhook signature: %s\n", err.Error())
			ctx.Status(http.StatusBadRequest)
			return
		}
		log.Printf("[StripeEvent] %s\n", event.Type)
		p, ok, err := paymentFromStripe(event)
		if err != nil {
			log.Printf("[Stripe] Error parsing %s: %s\n", event.Type, err.Error())
			ctx.Status(http.StatusBadRequest)
			return
		}
		if !ok {
			ctx.Status(http.StatusOK)
			return
		}
		if _, err := svc.engine.ConfirmPayment(ctx.Request.Context(), p); err != nil {
			log.Printf("[Stripe] Error confirming reservation %d: %s\n", p.ReservationID, err.Error())
			// stripe retries on non 2xx, which only helps for transient failures
			if errs.Retryable(err) || errs.Code(err) == "Internal" {
				ctx.Status(http.StatusServiceUnavailable)
				return
			}
		}
		ctx.Status(http.StatusOK)
	})
	return apiv1
}
