package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/herald/pkg/autosave"
	"github.com/go-go-golems/herald/pkg/events"
	"github.com/go-go-golems/herald/pkg/persistence/templatestore"
)

const (
	EnvPrefix     = "HERALD"
	DefaultAddr   = ":8090"
	defaultDirEnv = "HERALD_HOME"
)

// Settings is the resolved configuration shared by all herald commands.
type Settings struct {
	Debounce    time.Duration          `yaml:"debounce"`
	SaveTimeout time.Duration          `yaml:"save-timeout"`
	Addr        string                 `yaml:"addr"`
	Store       templatestore.Settings `yaml:",inline"`
	Events      events.Settings        `yaml:",inline"`
}

// AddFlags registers the configuration flags. Every flag name is also a
// config file key and, upper-cased with dashes turned into underscores, an
// environment variable under the HERALD_ prefix.
func AddFlags(fs *pflag.FlagSet) {
	fs.Duration("debounce", autosave.DefaultDebounce, "Quiet window before an edit is saved")
	fs.Duration("save-timeout", 0, "Timeout for a single save (0 disables)")
	fs.String("store", "", "Template store backend (memory|sqlite|redis); empty picks sqlite when a db is set")
	fs.String("sqlite-db", "", "SQLite database file for the template store")
	fs.String("sqlite-dsn", "", "SQLite DSN (overrides --sqlite-db)")
	fs.String("redis-addr", "", "Redis address for the redis store and event streams")
	fs.String("redis-prefix", "herald", "Key prefix for the redis store")
	fs.Int("max-revisions", 0, "Revisions kept per template (0 uses the store default)")
	fs.Bool("events-redis", false, "Publish saved events on Redis Streams instead of in-process")
	fs.String("events-group", "herald", "Redis Streams consumer group")
	fs.String("events-consumer", "", "Redis Streams consumer name (random when empty)")
	fs.String("addr", DefaultAddr, "HTTP listen address for serve")
}

// DefaultConfigFile returns $HERALD_HOME/config.yaml, falling back to
// $HOME/.herald/config.yaml.
func DefaultConfigFile() string {
	if dir := strings.TrimSpace(os.Getenv(defaultDirEnv)); dir != "" {
		return filepath.Join(dir, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".herald", "config.yaml")
}

// NewViper binds env and flags and reads the config file. An explicit
// cfgFile must exist; the default one is optional.
func NewViper(cfgFile string, fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Wrap(err, "config: bind flags")
		}
	}

	explicit := cfgFile != ""
	if !explicit {
		cfgFile = DefaultConfigFile()
	}
	if cfgFile == "" {
		return v, nil
	}
	if _, err := os.Stat(cfgFile); err != nil {
		if explicit {
			return nil, errors.Wrapf(err, "config: %s", cfgFile)
		}
		return v, nil
	}
	v.SetConfigFile(cfgFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "config: read %s", cfgFile)
	}
	log.Debug().Str("component", "config").Str("config_path", v.ConfigFileUsed()).Msg("using config file")
	return v, nil
}

// FromViper resolves Settings. Keys are read one by one so redis-addr can
// feed both the store and the event bus.
func FromViper(v *viper.Viper) (Settings, error) {
	s := Settings{
		Debounce:    v.GetDuration("debounce"),
		SaveTimeout: v.GetDuration("save-timeout"),
		Addr:        v.GetString("addr"),
		Store: templatestore.Settings{
			Backend:      v.GetString("store"),
			SQLiteDB:     expandHome(v.GetString("sqlite-db")),
			SQLiteDSN:    v.GetString("sqlite-dsn"),
			RedisAddr:    v.GetString("redis-addr"),
			RedisPrefix:  v.GetString("redis-prefix"),
			MaxRevisions: v.GetInt("max-revisions"),
		},
		Events: events.Settings{
			Enabled:  v.GetBool("events-redis"),
			Addr:     v.GetString("redis-addr"),
			Group:    v.GetString("events-group"),
			Consumer: v.GetString("events-consumer"),
		},
	}
	if !v.IsSet("debounce") {
		s.Debounce = autosave.DefaultDebounce
	}
	if !v.IsSet("addr") {
		s.Addr = DefaultAddr
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	if s.Debounce < 0 {
		return errors.Errorf("config: debounce must not be negative (got %s)", s.Debounce)
	}
	if s.SaveTimeout < 0 {
		return errors.Errorf("config: save-timeout must not be negative (got %s)", s.SaveTimeout)
	}
	switch strings.ToLower(strings.TrimSpace(s.Store.Backend)) {
	case "", templatestore.BackendMemory, templatestore.BackendSQLite, templatestore.BackendRedis:
	default:
		return errors.Errorf("config: unknown store %q", s.Store.Backend)
	}
	if s.Events.Enabled && strings.TrimSpace(s.Events.Addr) == "" {
		return errors.New("config: events-redis requires redis-addr")
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
