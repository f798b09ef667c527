package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/spf13/cobra"
)

// storeCommand is a glazed command reading from the configured template
// store. The store is opened from the cobra command's flags, so the opener
// is bound once the cobra command exists.
type storeCommand interface {
	cmds.GlazeCommand
	bind(open func() (*app, error))
}

func buildStoreCommand(c storeCommand) (*cobra.Command, error) {
	cobraCmd, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(heraldMiddlewares))
	if err != nil {
		return nil, err
	}
	c.bind(func() (*app, error) { return openApp(cobraCmd, false) })
	return cobraCmd, nil
}

func heraldMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv("HERALD",
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}
