package main

import (
	"io"
	"maguey/src/admissions"
	"maguey/src/errs"
	"maguey/src/middlewares"
	"maguey/src/types"
	"maguey/src/utils"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const heartbeatInterval = 15 * time.Second

func admissionHandlers(g *gin.RouterGroup, svc *services) *gin.RouterGroup {
	door := middlewares.RequireRole(types.ROLE_OPERATOR, types.ROLE_BOX)
	g.
		POST("/scans", door, func(ctx *gin.Context) {
			var body types.ScanRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				bindError(ctx, err)
				return
			}
			token := body.Token
			if token == "" {
				token = utils.ScannedToken(body.Code)
			}
			req := admissions.ScanRequest{
				Token:          token,
				OperatorID:     ctx.GetString("operator"),
				DeviceID:       body.DeviceID,
				IdempotencyKey: body.IdempotencyKey,
			}
			if body.ScannedAt != nil {
				req.ScannedAt = *body.ScannedAt
			}
			res, err := svc.processor.Process(ctx.Request.Context(), req)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, res)
		}).
		GET("/credentials/:token/scans", door, func(ctx *gin.Context) {
			var params types.TokenRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				bindError(ctx, err)
				return
			}
			entries, err := svc.processor.History(ctx.Request.Context(), params.Token)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": entries, "count": len(entries)})
		}).
		GET("/events/:id/changes", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				bindError(ctx, err)
				return
			}
			if svc.hub == nil {
				abortWithError(ctx, errs.ErrNotFound)
				return
			}
			changes, cancel := svc.hub.Subscribe(params.ID, 64)
			defer cancel()

			heartbeat := time.NewTicker(heartbeatInterval)
			defer heartbeat.Stop()
			ctx.Stream(func(w io.Writer) bool {
				select {
				case <-ctx.Request.Context().Done():
					return false
				case ev, ok := <-changes:
					if !ok {
						return false
					}
					ctx.SSEvent("change", ev)
					return true
				case <-heartbeat.C:
					ctx.SSEvent("ping", gin.H{"at": time.Now().UTC()})
					return true
				}
			})
		})
	return g
}
