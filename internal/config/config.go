// Package config loads server configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults
const (
	DefaultPort           = 3000
	DefaultDataDir        = "./data"
	DefaultRoomCacheMax   = 80
	DefaultRoomCacheIdle  = 5 * time.Minute
	DefaultReservationTTL = 3 * time.Minute
	DefaultBackupInterval = 30 * time.Minute
	DefaultBackupKeep     = 24
)

// Config holds the effective server configuration.
type Config struct {
	Port           int
	DataDir        string
	AdminKey       string
	RoomCacheMax   int
	RoomCacheIdle  time.Duration
	ReservationTTL time.Duration
	BackupInterval time.Duration
	BackupKeep     int
	LogLevel       logrus.Level
}

// FromEnv builds a Config from the process environment. Unset or
// unparseable values fall back to defaults with a warning.
func FromEnv() Config {
	cfg := Config{
		Port:           envInt("PORT", DefaultPort),
		DataDir:        envString("DATA_DIR", DefaultDataDir),
		AdminKey:       os.Getenv("ADMIN_KEY"),
		RoomCacheMax:   envInt("ROOM_CACHE_MAX", DefaultRoomCacheMax),
		RoomCacheIdle:  envMillis("ROOM_CACHE_IDLE_MS", DefaultRoomCacheIdle),
		ReservationTTL: envMillis("RESERVATION_MS", DefaultReservationTTL),
		BackupInterval: envMillis("BACKUP_INTERVAL_MS", DefaultBackupInterval),
		BackupKeep:     envInt("BACKUP_KEEP", DefaultBackupKeep),
		LogLevel:       logrus.InfoLevel,
	}

	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		level, err := logrus.ParseLevel(raw)
		if err != nil {
			logrus.WithField("value", raw).Warn("invalid LOG_LEVEL, using info")
		} else {
			cfg.LogLevel = level
		}
	}

	return cfg
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		logrus.WithFields(logrus.Fields{"var": key, "value": raw}).Warn("invalid integer, using default")
		return fallback
	}
	return n
}

func envMillis(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		logrus.WithFields(logrus.Fields{"var": key, "value": raw}).Warn("invalid millisecond value, using default")
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
