package cmds

import (
	"context"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/herald/pkg/session"
	"github.com/go-go-golems/herald/pkg/ui"
)

const closeTimeout = 10 * time.Second

func newEditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <template-id>",
		Short: "Edit a template in the terminal; drafts save while you type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
				return errors.New("edit needs an interactive terminal; use replay to feed snapshots from a pipe")
			}
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := session.Open(cmd.Context(), a.store, a.bus, args[0], a.sessionOptions())
			if err != nil {
				return err
			}
			statuses, unsubscribe := s.Subscribe()
			runErr := ui.Run(cmd.Context(), s, statuses)
			unsubscribe()

			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := s.Close(ctx); err != nil {
				return err
			}
			return errors.Wrap(runErr, "editor")
		},
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
