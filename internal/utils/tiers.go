package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// TierLimits describes the budget of a subscription tier.
type TierLimits struct {
	MaxRequestsPerPeriod int
	MaxViewportWidth     int
	MaxViewportHeight    int
}

// tierTable is the static subscription table. Read-only after process start.
var tierTable = map[string]TierLimits{
	"BASIC": {MaxRequestsPerPeriod: 100, MaxViewportWidth: 1920, MaxViewportHeight: 1080},
	"PRO":   {MaxRequestsPerPeriod: 1000, MaxViewportWidth: 2560, MaxViewportHeight: 1440},
	"ULTRA": {MaxRequestsPerPeriod: 10000, MaxViewportWidth: 3000, MaxViewportHeight: 3000},
	"MEGA":  {MaxRequestsPerPeriod: 100000, MaxViewportWidth: 3000, MaxViewportHeight: 3000},
}

// LimitsForTier returns the limits for the named tier. Unknown or empty
// tiers fall back to BASIC.
func LimitsForTier(tier string) TierLimits {
	if limits, ok := tierTable[strings.ToUpper(tier)]; ok {
		return limits
	}
	return tierTable["BASIC"]
}

var apiKeys struct {
	sync.RWMutex
	cache map[string]string // key -> tier name
}

var keyDB struct {
	sync.Mutex
	dsn string
	db  *sql.DB
}

var (
	// ErrInvalidAPIKey signals that the provided API key is not known.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrKeyStoreNotReady signals that the key store has not been loaded yet.
	// This can happen during startup when the DB isn't ready.
	ErrKeyStoreNotReady = errors.New("api key store not ready")
)

func postgresPort(cfg PostgresConfig) int {
	if cfg.Port != 0 {
		return cfg.Port
	}
	return 5432
}

func postgresDSN(cfg PostgresConfig) (string, error) {
	if strings.HasPrefix(cfg.Host, "postgres://") || strings.HasPrefix(cfg.Host, "postgresql://") {
		return cfg.Host, nil
	}
	if cfg.Host == "" {
		return "", fmt.Errorf("postgres host is empty")
	}
	if cfg.Database == "" {
		return "", fmt.Errorf("postgres database is empty")
	}
	if cfg.User == "" {
		return "", fmt.Errorf("postgres user is empty")
	}

	hostPort := cfg.Host
	port := postgresPort(cfg)
	// Handle IPv6 or explicit host:port strings.
	if strings.HasPrefix(hostPort, "[") {
		if !strings.Contains(hostPort, "]:") {
			hostPort = fmt.Sprintf("%s:%d", hostPort, port)
		}
	} else if strings.Count(hostPort, ":") >= 2 {
		hostPort = fmt.Sprintf("[%s]:%d", hostPort, port)
	} else if !strings.Contains(hostPort, ":") {
		hostPort = fmt.Sprintf("%s:%d", hostPort, port)
	}

	u := &url.URL{Scheme: "postgres", Host: hostPort, Path: "/" + cfg.Database}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}
	q := u.Query()
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func getKeyDB(cfg PostgresConfig) (*sql.DB, error) {
	dsn, err := postgresDSN(cfg)
	if err != nil {
		return nil, err
	}

	keyDB.Lock()
	defer keyDB.Unlock()

	if keyDB.db != nil && keyDB.dsn == dsn {
		return keyDB.db, nil
	}
	if keyDB.db != nil {
		_ = keyDB.db.Close()
		keyDB.db = nil
		keyDB.dsn = ""
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// This is a small, low-throughput control plane table.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	keyDB.db = db
	keyDB.dsn = dsn
	return keyDB.db, nil
}

func ensureKeysSchemaPostgres(cfg PostgresConfig) error {
	db, err := getKeyDB(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ddl1 := `CREATE TABLE IF NOT EXISTS api_keys (
		key TEXT PRIMARY KEY,
		tier TEXT NOT NULL DEFAULT 'BASIC',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		comment TEXT
	);`
	ddl2 := `CREATE INDEX IF NOT EXISTS idx_api_keys_created_at ON api_keys (created_at);`
	if _, err := db.ExecContext(ctx, ddl1); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, ddl2); err != nil {
		return err
	}
	return nil
}

// LoadKeysFromPostgres reads all API keys and their subscription tiers from
// Postgres and stores them in an in-memory cache.
func LoadKeysFromPostgres(cfg PostgresConfig) error {
	if err := ensureKeysSchemaPostgres(cfg); err != nil {
		return err
	}

	db, err := getKeyDB(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx, `SELECT key, tier FROM api_keys;`)
	if err != nil {
		return err
	}
	defer rows.Close()

	cache := make(map[string]string)
	for rows.Next() {
		var key, tier string
		if err := rows.Scan(&key, &tier); err != nil {
			return err
		}
		cache[key] = strings.ToUpper(tier)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	apiKeys.Lock()
	apiKeys.cache = cache
	apiKeys.Unlock()
	return nil
}

// LoadKeysFromMap is a small helper intended for tests and local debugging.
// It replaces the current in-memory key cache with the provided map.
func LoadKeysFromMap(m map[string]string) {
	cache := make(map[string]string)
	for k, v := range m {
		cache[k] = strings.ToUpper(v)
	}
	apiKeys.Lock()
	apiKeys.cache = cache
	apiKeys.Unlock()
}

// KeysReady returns true if the key cache has been initialized at least once.
func KeysReady() bool {
	apiKeys.RLock()
	defer apiKeys.RUnlock()
	return apiKeys.cache != nil
}

// ValidateKey checks whether the given API key exists in the cached list.
func ValidateKey(key string) bool {
	apiKeys.RLock()
	defer apiKeys.RUnlock()
	_, ok := apiKeys.cache[key]
	return ok
}

// TierForKey returns the subscription tier for the given API key, or an
// empty string when the key is unknown.
func TierForKey(key string) string {
	apiKeys.RLock()
	defer apiKeys.RUnlock()
	return apiKeys.cache[key]
}

// RefreshKeysPeriodicallyFromPostgres reloads the API key list from Postgres
// at the specified interval. It stops once the provided stop channel is closed.
func RefreshKeysPeriodicallyFromPostgres(cfg PostgresConfig, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := LoadKeysFromPostgres(cfg); err != nil {
				Error("Failed to reload API keys", "error", err)
			}
		case <-stop:
			return
		}
	}
}
