package cmds

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/herald/pkg/events"
)

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print template saved events as JSON lines",
		Long: "Print template saved events as JSON lines. Without --events-redis the bus is\n" +
			"in-process, so only saves made by this process would show up.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.settings.Events.Enabled {
				if err := events.EnsureGroupAtTail(ctx, a.settings.Events.Addr, a.settings.Events.Group); err != nil {
					return err
				}
			} else {
				log.Warn().Str("component", "cli").Msg("events-redis is off; watching the in-process bus only")
			}
			return watchSaved(ctx, a.bus, cmd.OutOrStdout())
		},
	}
}

func watchSaved(ctx context.Context, bus *events.Bus, w io.Writer) error {
	ch, err := bus.SubscribeSaved(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return errors.Wrap(err, "write event")
			}
		}
	}
}
