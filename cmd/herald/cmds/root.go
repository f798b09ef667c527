package cmds

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/herald/pkg/config"
)

func NewRootCommand() (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           "herald",
		Short:         "herald edits notification templates and saves drafts as you type",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.InitLoggerFromCobra(cmd)
		},
	}

	// registers the glazed logging flags read by InitLoggerFromCobra
	if err := clay.InitGlazed("herald", root); err != nil {
		return nil, err
	}
	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, root)

	pf := root.PersistentFlags()
	if pf.Lookup("config") == nil {
		pf.String("config", "", "Config file (default $HOME/.herald/config.yaml)")
	}
	config.AddFlags(pf)

	root.AddCommand(
		newServeCommand(),
		newEditCommand(),
		newWatchCommand(),
		newReplayCommand(),
	)

	showCmd, err := NewShowCommand()
	if err != nil {
		return nil, err
	}
	historyCmd, err := NewHistoryCommand()
	if err != nil {
		return nil, err
	}
	templatesCmd, err := NewTemplatesCommand()
	if err != nil {
		return nil, err
	}
	for _, c := range []storeCommand{showCmd, historyCmd, templatesCmd} {
		cobraCmd, err := buildStoreCommand(c)
		if err != nil {
			return nil, err
		}
		root.AddCommand(cobraCmd)
	}
	return root, nil
}
