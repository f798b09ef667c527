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

type HistoryCommand struct {
	*cmds.CommandDescription
	open func() (*app, error)
}

type HistorySettings struct {
	TemplateID string `glazed:"template-id"`
	Limit      int    `glazed:"limit"`
}

func NewHistoryCommand() (*HistoryCommand, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"history",
		cmds.WithShort("List saved revisions of a template, newest first"),
		cmds.WithFlags(
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(20),
				fields.WithHelp("Maximum revisions to list"),
			),
		),
		cmds.WithArguments(
			fields.New(
				"template-id",
				fields.TypeString,
				fields.WithHelp("Template whose revisions to list"),
				fields.WithRequired(true),
			),
		),
		cmds.WithSections(glazedLayer, commandSettingsLayer),
	)
	return &HistoryCommand{CommandDescription: desc}, nil
}

func (c *HistoryCommand) bind(open func() (*app, error)) { c.open = open }

func (c *HistoryCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &HistorySettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	a, err := c.open()
	if err != nil {
		return err
	}
	defer a.Close()
	return emitRevisions(ctx, a.store, s.TemplateID, s.Limit, gp)
}

func emitRevisions(ctx context.Context, store templatestore.Store, templateID string, limit int, gp middlewares.Processor) error {
	revs, err := store.ListRevisions(ctx, templateID, limit)
	if err != nil {
		return err
	}
	for _, r := range revs {
		row := types.NewRow(
			types.MRP("revision", r.Revision),
			types.MRP("saved_at_ms", r.SavedAtMs),
			types.MRP("content_hash", r.ContentHash),
			types.MRP("channels", channelList(r.Document)),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &HistoryCommand{}
