package config

import (
	"fmt"
	"maguey/src/types"
	"os"
	"strconv"
	"time"
)

// const dsn = "host=localhost user=postgres password=password dbname=maguey port=5432 sslmode=disable TimeZone=UTC"

func GetDSN() string {
	DATABASE_HOST := os.Getenv("DATABASE_HOST")
	DATABASE_PORT := os.Getenv("DATABASE_PORT")
	DATABASE_SSLMODE := os.Getenv("DATABASE_SSLMODE")
	DATABASE_TIMEZONE := os.Getenv("DATABASE_TIMEZONE")
	DATABASE_USER := os.Getenv("DATABASE_USER")
	DATABASE_PASSWORD := os.Getenv("DATABASE_PASSWORD")
	DATABASE_NAME := os.Getenv("DATABASE_NAME")
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s", DATABASE_HOST, DATABASE_USER, DATABASE_PASSWORD, DATABASE_NAME, DATABASE_PORT, DATABASE_SSLMODE, DATABASE_TIMEZONE)
	return dsn
}

const TIME_PARSE_FORMAT = "2006-01-02 15:04:05 -07:00"

const (
	DEFAULT_LOCK_TIMEOUT   = 3 * time.Second
	DEFAULT_HOLD_WINDOW    = 15 * time.Minute
	DEFAULT_SWEEP_INTERVAL = time.Minute
	DEFAULT_NOTIFY_BUFFER  = 256
)

func Env() types.Environment {
	return types.Environment(os.Getenv("API_ENV"))
}

func IsLocal() bool {
	return Env() == types.Local
}

// LockTimeout bounds every row-lock wait.
func LockTimeout() time.Duration {
	return durationMs("LOCK_TIMEOUT_MS", DEFAULT_LOCK_TIMEOUT)
}

// HoldWindow is how long a pending reservation keeps its capacity.
func HoldWindow() time.Duration {
	v := os.Getenv("HOLD_WINDOW_MINUTES")
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return DEFAULT_HOLD_WINDOW
	}
	return time.Duration(n) * time.Minute
}

func SweepInterval() time.Duration {
	return durationMs("SWEEP_INTERVAL_MS", DEFAULT_SWEEP_INTERVAL)
}

func NotifierBuffer() int {
	n, err := strconv.Atoi(os.Getenv("NOTIFIER_BUFFER"))
	if err != nil || n <= 0 {
		return DEFAULT_NOTIFY_BUFFER
	}
	return n
}

func Bool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func durationMs(key string, def time.Duration) time.Duration {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
