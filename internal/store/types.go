package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when no record matches the lookup.
var ErrNotFound = errors.New("record not found")

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// StoreConfig configures the store layer.
type StoreConfig struct {
	// Driver selects the backend: "sqlite" (default), "postgres", "redis", "badger" or "memory".
	// "memory" is a test double and must be chosen explicitly.
	Driver string

	// PostgresDSN is the Postgres connection string (driver "postgres").
	PostgresDSN string

	// SQLitePath is the database file for standalone mode (driver "sqlite").
	SQLitePath string

	// RedisAddr, RedisPassword and RedisDB address the Redis server (driver "redis").
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// BadgerDir is the Badger data directory (driver "badger").
	BadgerDir string

	// KeyPrefix namespaces keys in shared key/value backends (redis, badger).
	KeyPrefix string
}

// DriverName returns the configured driver, defaulting to standalone SQLite.
func (c StoreConfig) DriverName() string {
	if c.Driver == "" {
		return "sqlite"
	}
	return c.Driver
}

// Prefix returns the key prefix, defaulting to "goloop".
func (c StoreConfig) Prefix() string {
	if c.KeyPrefix == "" {
		return "goloop"
	}
	return c.KeyPrefix
}

// Now returns the current time in UTC, the zone every backend persists.
func Now() time.Time { return time.Now().UTC() }
