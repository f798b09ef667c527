package cmds

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/herald/pkg/events"
	"github.com/go-go-golems/herald/pkg/persistence/templatestore"
	"github.com/go-go-golems/herald/pkg/session"
)

const maxSnapshotLine = 4 << 20

func newReplayCommand() *cobra.Command {
	var interval time.Duration
	var inputFormat string
	cmd := &cobra.Command{
		Use:   "replay [template-id]",
		Short: "Feed document snapshots from stdin through the autosave scheduler",
		Long: "Reads one JSON document per line (or a YAML stream with --input-format yaml)\n" +
			"from stdin and submits each as an edit, waiting --interval between snapshots.\n" +
			"Every save is printed as it happens. Without a template id a random one is used.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			templateID := uuid.NewString()
			if len(args) == 1 {
				templateID = args[0]
			}
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := replay(cmd.Context(), replayRequest{
				store:      a.store,
				bus:        a.bus,
				templateID: templateID,
				opts:       a.sessionOptions(),
				in:         cmd.InOrStdin(),
				out:        cmd.OutOrStdout(),
				format:     inputFormat,
				interval:   interval,
			})
			log.Info().Str("component", "cli").Str("template_id", templateID).Int("snapshots", n).Msg("replay done")
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Pause between snapshots (simulates typing)")
	cmd.Flags().StringVar(&inputFormat, "input-format", "jsonl", "Snapshot format on stdin (jsonl|yaml)")
	return cmd
}

type replayRequest struct {
	store      templatestore.Store
	bus        *events.Bus
	templateID string
	opts       session.Options
	in         io.Reader
	out        io.Writer
	format     string
	interval   time.Duration
}

// replay returns the number of snapshots submitted. The session is closed,
// and so flushed, before it returns.
func replay(ctx context.Context, req replayRequest) (int, error) {
	snapshots, err := newSnapshotReader(req.in, req.format)
	if err != nil {
		return 0, err
	}
	store := &reportingStore{Store: req.store, out: req.out}
	s, err := session.Open(ctx, store, req.bus, req.templateID, req.opts)
	if err != nil {
		return 0, err
	}

	n, runErr := feedSnapshots(ctx, s, snapshots, req.interval)

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return n, runErr
}

func feedSnapshots(ctx context.Context, s *session.Session, snapshots snapshotReader, interval time.Duration) (int, error) {
	n := 0
	for {
		doc, where, err := snapshots.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrap(err, where)
		}
		if err := s.Update(doc); err != nil {
			return n, errors.Wrap(err, where)
		}
		n++
		if interval > 0 {
			select {
			case <-ctx.Done():
				return n, ctx.Err()
			case <-time.After(interval):
			}
		}
	}
}

// snapshotReader yields documents until io.EOF. where names the position of
// the snapshot for error messages.
type snapshotReader interface {
	Next() (doc templatestore.Document, where string, err error)
}

func newSnapshotReader(in io.Reader, format string) (snapshotReader, error) {
	switch strings.ToLower(format) {
	case "", "jsonl", "json":
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSnapshotLine)
		return &jsonLinesReader{scanner: scanner}, nil
	case "yaml", "yml":
		return &yamlStreamReader{dec: yaml.NewDecoder(in)}, nil
	default:
		return nil, errors.Errorf("unknown input format %q (jsonl|yaml)", format)
	}
}

type jsonLinesReader struct {
	scanner *bufio.Scanner
	line    int
}

func (r *jsonLinesReader) Next() (templatestore.Document, string, error) {
	for r.scanner.Scan() {
		r.line++
		text := strings.TrimSpace(r.scanner.Text())
		if text == "" {
			continue
		}
		var doc templatestore.Document
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return doc, fmt.Sprintf("line %d", r.line), err
		}
		return doc, fmt.Sprintf("line %d", r.line), nil
	}
	if err := r.scanner.Err(); err != nil {
		return templatestore.Document{}, "read snapshots", err
	}
	return templatestore.Document{}, "", io.EOF
}

// yamlStreamReader reads a multi-document YAML stream separated by "---".
type yamlStreamReader struct {
	dec *yaml.Decoder
	doc int
}

func (r *yamlStreamReader) Next() (templatestore.Document, string, error) {
	r.doc++
	where := fmt.Sprintf("document %d", r.doc)
	var doc templatestore.Document
	if err := r.dec.Decode(&doc); err != nil {
		return doc, where, err
	}
	return doc, where, nil
}

// reportingStore prints a line for every draft written through it.
type reportingStore struct {
	templatestore.Store
	mu  sync.Mutex
	out io.Writer
}

func (r *reportingStore) SaveDraft(ctx context.Context, doc templatestore.Document) (templatestore.Revision, error) {
	rev, err := r.Store.SaveDraft(ctx, doc)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		fmt.Fprintf(r.out, "save failed: %v\n", err)
		return rev, err
	}
	fmt.Fprintf(r.out, "saved %s rev=%d hash=%s channels=%s\n", rev.TemplateID, rev.Revision, shortHash(rev.ContentHash), channelList(rev.Document))
	return rev, nil
}
