package main

import (
	"maguey/src/middlewares"
	"maguey/src/reservations"
	"maguey/src/types"
	"net/http"

	"github.com/gin-gonic/gin"
)

func reservationHandlers(g *gin.RouterGroup, svc *services) *gin.RouterGroup {
	boxOffice := middlewares.RequireRole(types.ROLE_BOX)
	g.
		POST("/reservations", boxOffice, func(ctx *gin.Context) {
			var body types.CreateReservationRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				bindError(ctx, err)
				return
			}
			r, err := svc.engine.CreateReservation(ctx.Request.Context(), reservations.CreateRequest{
				EventID:          body.EventID,
				ResourceID:       body.ResourceID,
				PartySize:        int(body.PartySize),
				PurchaserName:    body.PurchaserName,
				PurchaserEmail:   body.PurchaserEmail,
				PurchaserPhone:   body.PurchaserPhone,
				TicketResourceID: body.TicketResourceID,
			})
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusCreated, r)
		}).
		GET("/reservations/:id", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				bindError(ctx, err)
				return
			}
			r, err := svc.engine.Get(ctx.Request.Context(), params.ID)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, r)
		}).
		GET("/reservations/:id/history", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				bindError(ctx, err)
				return
			}
			trail, err := svc.engine.History(ctx.Request.Context(), params.ID)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": trail})
		}).
		POST("/reservations/:id/payment", boxOffice, func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				bindError(ctx, err)
				return
			}
			var body types.PaymentConfirmationRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				bindError(ctx, err)
				return
			}
			r, err := svc.engine.ConfirmPayment(ctx.Request.Context(), reservations.PaymentConfirmation{
				ReservationID:    params.ID,
				PaymentReference: body.PaymentReference,
			})
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"id": r.ID, "status": r.Status})
		}).
		PUT("/reservations/:id/cancel", boxOffice, func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				bindError(ctx, err)
				return
			}
			var body types.CancelReservationRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				bindError(ctx, err)
				return
			}
			r, err := svc.engine.Cancel(ctx.Request.Context(), reservations.CancelRequest{
				ReservationID: params.ID,
				Reason:        body.Reason,
				RequestedBy:   ctx.GetString("operator"),
			})
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"id": r.ID, "status": r.Status})
		})
	return g
}
