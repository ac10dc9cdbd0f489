package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads environment variables from a .env file if present.
// Existing environment variables are not overwritten.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

type Config struct {
	AckCheckDelayMillis      int
	RosterDeferMillis        int
	TransitionDebounceMillis int
	SnapshotRetention        int
	ReplayCapacity           int
	RoomTTLMinutes           int
	StaleConnMinutes         int
	ReconcileMinAgeSeconds   int
	BackoffCeilingSeconds    int
	BackoffMaxAttempts       int
	ShortWindowMillis        int
	ShortWindowThreshold     int
	ShortBanSeconds          int
	LongWindowMillis         int
	LongWindowThreshold      int
	LongBanSeconds           int
	DBMaxOpenConns           int
	DBMaxIdleConns           int
	DBConnMaxLifetimeSeconds int
	DBConnMaxIdleTimeSeconds int
}

func Default() Config {
	return Config{
		AckCheckDelayMillis:      2000,
		RosterDeferMillis:        15,
		TransitionDebounceMillis: 1000,
		SnapshotRetention:        20,
		ReplayCapacity:           100,
		RoomTTLMinutes:           120,
		StaleConnMinutes:         5,
		ReconcileMinAgeSeconds:   30,
		BackoffCeilingSeconds:    30,
		BackoffMaxAttempts:       5,
		ShortWindowMillis:        1000,
		ShortWindowThreshold:     10,
		ShortBanSeconds:          60,
		LongWindowMillis:         5000,
		LongWindowThreshold:      50,
		LongBanSeconds:           300,
		DBMaxOpenConns:           10,
		DBMaxIdleConns:           10,
		DBConnMaxLifetimeSeconds: 300,
		DBConnMaxIdleTimeSeconds: 60,
	}
}

func Load() Config {
	cfg := Default()
	loadInt(&cfg.AckCheckDelayMillis, "ACK_CHECK_DELAY_MS")
	loadInt(&cfg.RosterDeferMillis, "ROSTER_DEFER_MS")
	loadInt(&cfg.TransitionDebounceMillis, "TRANSITION_DEBOUNCE_MS")
	loadInt(&cfg.SnapshotRetention, "SNAPSHOT_RETENTION")
	loadInt(&cfg.ReplayCapacity, "REPLAY_CAPACITY")
	loadInt(&cfg.RoomTTLMinutes, "ROOM_TTL_MINUTES")
	loadInt(&cfg.StaleConnMinutes, "STALE_CONN_MINUTES")
	loadInt(&cfg.ReconcileMinAgeSeconds, "RECONCILE_MIN_AGE_SECONDS")
	loadInt(&cfg.BackoffCeilingSeconds, "BACKOFF_CEILING_SECONDS")
	loadInt(&cfg.BackoffMaxAttempts, "BACKOFF_MAX_ATTEMPTS")
	loadInt(&cfg.ShortWindowMillis, "ABUSE_SHORT_WINDOW_MS")
	loadInt(&cfg.ShortWindowThreshold, "ABUSE_SHORT_THRESHOLD")
	loadInt(&cfg.ShortBanSeconds, "ABUSE_SHORT_BAN_SECONDS")
	loadInt(&cfg.LongWindowMillis, "ABUSE_LONG_WINDOW_MS")
	loadInt(&cfg.LongWindowThreshold, "ABUSE_LONG_THRESHOLD")
	loadInt(&cfg.LongBanSeconds, "ABUSE_LONG_BAN_SECONDS")
	loadInt(&cfg.DBMaxOpenConns, "DB_MAX_OPEN_CONNS")
	loadInt(&cfg.DBMaxIdleConns, "DB_MAX_IDLE_CONNS")
	loadInt(&cfg.DBConnMaxLifetimeSeconds, "DB_CONN_MAX_LIFETIME_SECONDS")
	loadInt(&cfg.DBConnMaxIdleTimeSeconds, "DB_CONN_MAX_IDLE_SECONDS")
	return cfg
}

func loadInt(target *int, key string) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	if value, err := strconv.Atoi(raw); err == nil && value > 0 {
		*target = value
	}
}
