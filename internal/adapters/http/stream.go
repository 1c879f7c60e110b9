package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oapi-codegen/runtime"

	"siteaudit/internal/logger"
	"siteaudit/internal/services/orchestrator"
)

const (
	connectTimeoutMessage = "The audit did not start in time. Please try again."
	runTimeoutMessage     = "The audit took too long and was stopped."
)

type streamParams struct {
	URL        string
	Pages      int
	Categories []string
	Admin      bool
}

func bindStreamParams(r *http.Request) (streamParams, error) {
	var p streamParams
	q := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "url", q, &p.URL); err != nil {
		return p, err
	}
	if err := runtime.BindQueryParameter("form", true, false, "pages", q, &p.Pages); err != nil {
		return p, err
	}
	if err := runtime.BindQueryParameter("form", false, false, "categories", q, &p.Categories); err != nil {
		return p, err
	}
	if err := runtime.BindQueryParameter("form", true, false, "admin", q, &p.Admin); err != nil {
		return p, err
	}
	return p, nil
}

// streamAudit validates and prepares the run before any bytes are written, so
// entitlement and validation failures are plain JSON. Once the stream is open
// the handler owns the run: disconnects, write failures and timeouts cancel it.
func (s *Server) streamAudit(w http.ResponseWriter, r *http.Request) {
	params, err := bindStreamParams(r)
	if err != nil {
		writeError(w, &httpError{code: http.StatusBadRequest, msg: err.Error()})
		return
	}
	req, herr := s.buildRequest(r, params.URL, params.Pages, params.Categories, params.Admin)
	if herr != nil {
		writeError(w, herr)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RunTimeout)
	defer cancel()

	run, err := s.auditor.Prepare(ctx, req)
	if err != nil {
		s.writePrepareError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, &httpError{code: http.StatusInternalServerError, msg: "streaming unsupported"})
		return
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	log := s.logger.With(logger.String("url", run.URL()), logger.String("caller_id", req.CallerID))
	log.Debug("Audit stream opened", logger.Int("pages", run.Pages()), logger.Int("categories", len(run.Categories())))

	events := run.Start(ctx)
	defer func() {
		cancel()
		// The producer stops on cancellation and closes the channel itself.
		go func() {
			for range events {
			}
		}()
	}()

	sw := &sseWriter{w: w, flusher: flusher}
	s.pump(ctx, r.Context(), sw, events, log)
}

// pump copies events onto the wire until the run ends or the stream breaks.
func (s *Server) pump(ctx, clientCtx context.Context, sw *sseWriter, events <-chan orchestrator.Event, log logger.Logger) {
	connect := time.NewTimer(s.opts.ConnectTimeout)
	defer connect.Stop()
	connectC := connect.C

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if connectC != nil {
				connect.Stop()
				connectC = nil
			}
			if err := sw.event(ev.Type, ev.Data); err != nil {
				log.Debug("Stream write failed (client likely disconnected)",
					logger.String("event_type", ev.Type),
					logger.Error(err),
				)
				return
			}
		case <-connectC:
			log.Warn("No audit event before connect timeout", logger.Duration("timeout", s.opts.ConnectTimeout))
			_ = sw.event(orchestrator.EventError, orchestrator.ErrorData{Message: connectTimeoutMessage})
			return
		case <-heartbeat.C:
			if err := sw.heartbeat(); err != nil {
				log.Debug("Stream heartbeat failed (client disconnected)", logger.Error(err))
				return
			}
		case <-ctx.Done():
			if clientCtx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Warn("Audit run timed out", logger.Duration("timeout", s.opts.RunTimeout))
				_ = sw.event(orchestrator.EventError, orchestrator.ErrorData{Message: runTimeoutMessage})
			}
			return
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// sseWriter serialises events as "event: <name>\ndata: <json>\n\n". After the
// first failed write every call fails.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
	err     error
}

func (s *sseWriter) event(name string, data any) error {
	if s.err != nil {
		return s.err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		s.err = fmt.Errorf("write %s event: %w", name, err)
		return s.err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) heartbeat() error {
	if s.err != nil {
		return s.err
	}
	if _, err := fmt.Fprintf(s.w, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		s.err = fmt.Errorf("write heartbeat: %w", err)
		return s.err
	}
	s.flusher.Flush()
	return nil
}
