package types

import "github.com/golang-jwt/jwt/v4"

// Claims identify a door operator or box-office user.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

const (
	ROLE_ADMIN    = "admin"
	ROLE_OPERATOR = "operator"
	ROLE_BOX      = "box_office"
)
