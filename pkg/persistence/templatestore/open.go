package templatestore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Settings selects and configures the Store backend.
type Settings struct {
	Backend      string `mapstructure:"store" yaml:"store"`
	SQLiteDB     string `mapstructure:"sqlite-db" yaml:"sqlite-db"`
	SQLiteDSN    string `mapstructure:"sqlite-dsn" yaml:"sqlite-dsn"`
	RedisAddr    string `mapstructure:"redis-addr" yaml:"redis-addr"`
	RedisPrefix  string `mapstructure:"redis-prefix" yaml:"redis-prefix"`
	MaxRevisions int    `mapstructure:"max-revisions" yaml:"max-revisions"`
}

// Open builds the configured Store. An empty backend picks sqlite when a
// database is configured and memory otherwise.
func Open(s Settings) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(s.Backend))
	if backend == "" {
		backend = BackendMemory
		if s.SQLiteDSN != "" || s.SQLiteDB != "" {
			backend = BackendSQLite
		}
	}
	log.Debug().Str("component", "templatestore").Str("backend", backend).Msg("opening template store")

	switch backend {
	case BackendMemory:
		return NewInMemoryStore(s.MaxRevisions), nil
	case BackendSQLite:
		dsn := s.SQLiteDSN
		if dsn == "" {
			if s.SQLiteDB == "" {
				return nil, errors.New("sqlite template store not configured (set sqlite-dsn or sqlite-db)")
			}
			if dir := filepath.Dir(s.SQLiteDB); dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, errors.Wrap(err, "create sqlite db directory")
				}
			}
			var err error
			dsn, err = SQLiteDSNForFile(s.SQLiteDB)
			if err != nil {
				return nil, err
			}
		}
		return NewSQLiteStore(dsn, s.MaxRevisions)
	case BackendRedis:
		return NewRedisStore(s.RedisAddr, s.RedisPrefix, s.MaxRevisions)
	default:
		return nil, errors.Errorf("unknown template store backend %q", s.Backend)
	}
}
