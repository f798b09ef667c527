package cmds

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/herald/pkg/server"
	"github.com/go-go-golems/herald/pkg/session"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the template API and the editor websocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			manager := session.NewManager(a.store, a.bus, a.sessionOptions())
			return server.NewServer(a.settings.Addr, a.store, manager).Run(ctx)
		},
	}
}
