package main

import (
	"maguey/src/middlewares"
	"maguey/src/reservations"
	"maguey/src/types"
	"net/http"

	"github.com/gin-gonic/gin"
)

func eventHandlers(g *gin.RouterGroup, svc *services) *gin.RouterGroup {
	admin := middlewares.RequireRole(types.ROLE_ADMIN)
	g.
		POST("/events", admin, func(ctx *gin.Context) {
			var body types.CreateEventRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				bindError(ctx, err)
				return
			}
			ev, err := svc.engine.CreateEvent(ctx.Request.Context(), reservations.CreateEventRequest{
				Name:     body.Name,
				StartsAt: body.StartsAt,
				EndsAt:   body.EndsAt,
			})
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusCreated, gin.H{"id": ev.ID, "slug": ev.Slug})
		}).
		POST("/resources", admin, func(ctx *gin.Context) {
			var body types.CreateResourceRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				bindError(ctx, err)
				return
			}
			res, err := svc.engine.CreateResource(ctx.Request.Context(), reservations.CreateResourceRequest{
				EventID:  body.EventID,
				Name:     body.Name,
				Kind:     body.Kind,
				Capacity: int64(body.Capacity),
			})
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusCreated, gin.H{"id": res.ID, "slug": res.Slug})
		}).
		GET("/resources/:id", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				bindError(ctx, err)
				return
			}
			view, err := svc.engine.GetResource(ctx.Request.Context(), params.ID)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			ctx.JSON(http.StatusOK, view)
		})
	return g
}
