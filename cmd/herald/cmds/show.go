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
	"github.com/pkg/errors"

	"github.com/go-go-golems/herald/pkg/persistence/templatestore"
)

type ShowCommand struct {
	*cmds.CommandDescription
	open func() (*app, error)
}

type ShowSettings struct {
	TemplateID string `glazed:"template-id"`
}

func NewShowCommand() (*ShowCommand, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"show",
		cmds.WithShort("Print the latest saved draft of a template"),
		cmds.WithLong("Print the latest saved draft as a single row. Use --output json or yaml to see the channels in full."),
		cmds.WithArguments(
			fields.New(
				"template-id",
				fields.TypeString,
				fields.WithHelp("Template to show"),
				fields.WithRequired(true),
			),
		),
		cmds.WithSections(glazedLayer, commandSettingsLayer),
	)
	return &ShowCommand{CommandDescription: desc}, nil
}

func (c *ShowCommand) bind(open func() (*app, error)) { c.open = open }

func (c *ShowCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &ShowSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	a, err := c.open()
	if err != nil {
		return err
	}
	defer a.Close()
	return emitDocument(ctx, a.store, s.TemplateID, gp)
}

func emitDocument(ctx context.Context, store templatestore.Store, templateID string, gp middlewares.Processor) error {
	doc, ok, err := store.LoadDraft(ctx, templateID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("template %q has no saved draft", templateID)
	}
	row := types.NewRow(
		types.MRP("template_id", doc.TemplateID),
		types.MRP("name", doc.Name),
		types.MRP("channels", doc.Channels),
		types.MRP("variables", doc.Variables),
	)
	return gp.AddRow(ctx, row)
}

var _ cmds.GlazeCommand = &ShowCommand{}
