package middlewares

import (
	"context"
	"fmt"
	"log"
	"maguey/src/lib"
	"maguey/src/types"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func revokedKey(jti string) string {
	return fmt.Sprintf("revoked:%s", jti)
}

// IssueToken signs a token for an operator or device.
func IssueToken(username, role, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := types.Claims{
		Username: username,
		Role:     role,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtKey())
}

// RevokeToken blocks jti until the token would have expired anyway.
func RevokeToken(ctx context.Context, jti string, until time.Time) error {
	rd := lib.GetRedisClient()
	if rd == nil {
		return fmt.Errorf("token revocation needs redis")
	}
	return rd.Set(ctx, revokedKey(jti), "1", time.Until(until)).Err()
}

func revoked(ctx *gin.Context, jti string) bool {
	rd := lib.GetRedisClient()
	if rd == nil || jti == "" {
		return false
	}
	err := rd.Get(ctx.Request.Context(), revokedKey(jti)).Err()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		// an unreachable redis must not lock every door out
		log.Printf("[auth] revocation lookup failed: %s\n", err.Error())
		return false
	}
	return true
}
