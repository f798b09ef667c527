package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"

	"github.com/go-go-golems/herald/pkg/persistence/templatestore"
)

type TemplatesCommand struct {
	*cmds.CommandDescription
	open func() (*app, error)
}

type TemplatesSettings struct {
	Limit int `glazed:"limit"`
}

func NewTemplatesCommand() (*TemplatesCommand, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"templates",
		cmds.WithShort("List templates by last update"),
		cmds.WithFlags(
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(50),
				fields.WithHelp("Maximum templates to list (0 = store default)"),
			),
		),
		cmds.WithSections(glazedLayer, commandSettingsLayer),
	)
	return &TemplatesCommand{CommandDescription: desc}, nil
}

func (c *TemplatesCommand) bind(open func() (*app, error)) { c.open = open }

func (c *TemplatesCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &TemplatesSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	a, err := c.open()
	if err != nil {
		return err
	}
	defer a.Close()
	return emitTemplates(ctx, a.store, s.Limit, gp)
}

func emitTemplates(ctx context.Context, store templatestore.Store, limit int, gp middlewares.Processor) error {
	records, err := store.ListTemplates(ctx, limit)
	if err != nil {
		return err
	}
	for _, r := range records {
		row := types.NewRow(
			types.MRP("template_id", r.TemplateID),
			types.MRP("name", r.Name),
			types.MRP("revision", r.Revision),
			types.MRP("updated_at_ms", r.UpdatedAtMs),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &TemplatesCommand{}
