package main

import (
	"log"
	"maguey/src/middlewares"
	"maguey/src/types"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultTokenTTL = 12 * time.Hour

// authHandlers lets admins enroll operators and door devices, and any caller
// revoke its own token.
func authHandlers(g *gin.RouterGroup) *gin.RouterGroup {
	g.
		POST("/auth/tokens", middlewares.RequireRole(types.ROLE_ADMIN), func(ctx *gin.Context) {
			var body types.IssueTokenRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				bindError(ctx, err)
				return
			}
			ttl := defaultTokenTTL
			if body.TTLHours > 0 {
				ttl = time.Duration(body.TTLHours) * time.Hour
			}
			token, err := middlewares.IssueToken(body.Username, body.Role, body.DeviceID, ttl)
			if err != nil {
				abortWithError(ctx, err)
				return
			}
			log.Printf("[auth] %s issued a %s token for %s\n", ctx.GetString("operator"), body.Role, body.Username)
			ctx.JSON(http.StatusCreated, gin.H{"token": token, "expires_at": time.Now().Add(ttl).UTC()})
		}).
		POST("/auth/revoke", func(ctx *gin.Context) {
			until := time.Now().Add(defaultTokenTTL)
			if exp, ok := ctx.Get("expires"); ok {
				until = exp.(time.Time)
			}
			if err := middlewares.RevokeToken(ctx.Request.Context(), ctx.GetString("jti"), until); err != nil {
				log.Printf("[auth] revoke failed: %s\n", err.Error())
				ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "token revocation unavailable"})
				return
			}
			ctx.Status(http.StatusNoContent)
		})
	return g
}
