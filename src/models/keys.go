package models

import "fmt"

const (
	// TOKEN_SIZE bounds credential tokens.
	TOKEN_SIZE = 64
	// SCANNED_SIZE bounds what a door may submit: a bare token or a printed
	// pass code. Longer input is cut before it is stored.
	SCANNED_SIZE = 512
)

func OfflineIdempotencyKey(deviceID string, seq int64) string {
	return fmt.Sprintf("%s:%d", deviceID, seq)
}

// ClipScanned cuts s to what the scan columns hold.
func ClipScanned(s string) string {
	if len(s) > SCANNED_SIZE {
		return s[:SCANNED_SIZE]
	}
	return s
}
