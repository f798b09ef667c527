package cmds

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/herald/pkg/config"
	"github.com/go-go-golems/herald/pkg/events"
	"github.com/go-go-golems/herald/pkg/persistence/templatestore"
	"github.com/go-go-golems/herald/pkg/session"
)

// app holds what a command opened from configuration.
type app struct {
	settings config.Settings
	store    templatestore.Store
	bus      *events.Bus
}

func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	cfgFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Settings{}, err
	}
	v, err := config.NewViper(cfgFile, cmd.Flags())
	if err != nil {
		return config.Settings{}, err
	}
	return config.FromViper(v)
}

// openApp opens the store and, when withBus is set, the event bus.
func openApp(cmd *cobra.Command, withBus bool) (*app, error) {
	s, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	store, err := templatestore.Open(s.Store)
	if err != nil {
		return nil, errors.Wrap(err, "open template store")
	}
	a := &app{settings: s, store: store}
	if withBus {
		a.bus, err = events.NewBus(s.Events)
		if err != nil {
			_ = store.Close()
			return nil, errors.Wrap(err, "open event bus")
		}
	}
	return a, nil
}

func (a *app) sessionOptions() session.Options {
	return session.Options{
		Debounce:    a.settings.Debounce,
		SaveTimeout: a.settings.SaveTimeout,
	}
}

func (a *app) Close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			log.Warn().Err(err).Str("component", "cli").Msg("close event bus")
		}
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Str("component", "cli").Msg("close template store")
	}
}
