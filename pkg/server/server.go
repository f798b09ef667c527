package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/herald/pkg/autosave"
	"github.com/go-go-golems/herald/pkg/persistence/templatestore"
	"github.com/go-go-golems/herald/pkg/session"
)

const (
	writeTimeout    = 5 * time.Second
	releaseTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
	maxFrameBytes   = 1 << 20
)

// Frame is the JSON envelope sent to websocket clients.
type Frame struct {
	Type          string                  `json:"type"` // hello|status|error
	TemplateID    string                  `json:"template_id,omitempty"`
	Document      *templatestore.Document `json:"document,omitempty"`
	Saving        bool                    `json:"saving"`
	Pending       bool                    `json:"pending"`
	LastSavedAtMs int64                   `json:"last_saved_at_ms,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

type Server struct {
	addr     string
	store    templatestore.Store
	manager  *session.Manager
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func NewServer(addr string, store templatestore.Store, manager *session.Manager) *Server {
	s := &Server{
		addr:    addr,
		store:   store,
		manager: manager,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	s.mux.HandleFunc("GET /api/templates/{id}", s.handleGetTemplate)
	s.mux.HandleFunc("GET /api/templates/{id}/revisions", s.handleListRevisions)
	s.mux.HandleFunc("GET /ws/templates/{id}", s.handleEditorSocket)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is canceled, then shuts down and flushes open sessions.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("component", "server").Str("addr", s.addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server: listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("component", "server").Msg("shutdown")
		}
		return s.manager.Close(shutdownCtx)
	})
	return eg.Wait()
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListTemplates(r.Context(), queryLimit(r))
	if err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("list templates failed")
		http.Error(w, "list templates failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": records})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	doc, ok, err := s.store.LoadDraft(r.Context(), id)
	if err != nil {
		log.Warn().Err(err).Str("component", "server").Str("template_id", id).Msg("load draft failed")
		http.Error(w, "load draft failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "template not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	revs, err := s.store.ListRevisions(r.Context(), id, queryLimit(r))
	if err != nil {
		log.Warn().Err(err).Str("component", "server").Str("template_id", id).Msg("list revisions failed")
		http.Error(w, "list revisions failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"template_id": id, "revisions": revs})
}

// handleEditorSocket binds one editor connection to the template's session.
// Client text frames are full Document snapshots; the server answers with a
// hello frame and then status frames as the scheduler progresses.
func (s *Server) handleEditorSocket(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.Error(w, "missing template id", http.StatusBadRequest)
		return
	}
	sess, release, err := s.manager.Acquire(r.Context(), id)
	if err != nil {
		log.Warn().Err(err).Str("component", "server").Str("template_id", id).Msg("open session failed")
		http.Error(w, "open session failed", http.StatusInternalServerError)
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := release(ctx); err != nil {
			log.Warn().Err(err).Str("component", "server").Str("template_id", id).Msg("release session failed")
		}
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(maxFrameBytes)

	statuses, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	frames := make(chan Frame, 8)
	writerDone := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var f Frame
			select {
			case st, ok := <-statuses:
				if !ok {
					return
				}
				f = statusFrame(id, st)
			case f = <-frames:
			case <-readerDone:
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(f); err != nil {
				log.Debug().Err(err).Str("component", "server").Str("template_id", id).Msg("ws write failed")
				_ = conn.Close()
				return
			}
		}
	}()
	send := func(f Frame) {
		select {
		case frames <- f:
		case <-writerDone:
		}
	}

	doc := sess.Document()
	hello := statusFrame(id, sess.Status())
	hello.Type = "hello"
	hello.Document = &doc
	send(hello)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var next templatestore.Document
		if err := json.Unmarshal(data, &next); err != nil {
			send(Frame{Type: "error", TemplateID: id, Error: "invalid document: " + err.Error()})
			continue
		}
		if err := sess.Update(next); err != nil {
			send(Frame{Type: "error", TemplateID: id, Error: err.Error()})
		}
	}
	close(readerDone)
	<-writerDone
}

func statusFrame(id string, st autosave.Status) Frame {
	f := Frame{
		Type:       "status",
		TemplateID: id,
		Saving:     st.Saving,
		Pending:    st.Pending,
	}
	if !st.LastSavedAt.IsZero() {
		f.LastSavedAtMs = st.LastSavedAt.UnixMilli()
	}
	if st.LastError != nil {
		f.Error = st.LastError.Error()
	}
	return f
}

func queryLimit(r *http.Request) int {
	v := strings.TrimSpace(r.URL.Query().Get("limit"))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
