package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/bexchange/internal/events"
)

const (
	feedKeepAlive = 15 * time.Second
	// feedRetry is the reconnect delay suggested to clients, in ms.
	feedRetry = 3000
)

// handleEvents handles GET /events, the live exchange feed. Query parameters:
//
//	type=dispatch.outcome,item.*   only these types or families
//	processor=pvol-to-seang        only events about this processor
//	since=42                       replay buffered events after this id
//
// A Last-Event-ID header takes precedence over since.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sel := events.Selector{
		Types:     events.ParseTypes(q["type"]...),
		Processor: strings.TrimSpace(q.Get("processor")),
	}
	if sel.Processor != "" {
		if _, err := s.registry.Get(sel.Processor); err != nil {
			s.writeError(w, http.StatusNotFound, "processor not found")
			return
		}
	}
	resume, ok := resumeFrom(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "since and Last-Event-ID must be non-negative integers")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", feedRetry); err != nil {
		return
	}
	sent := resume
	for _, ev := range s.events.SnapshotSince(resume) {
		if !sel.Match(ev) {
			continue
		}
		if err := writeEvent(w, ev); err != nil {
			return
		}
		sent = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(feedKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			// Already replayed from the buffer.
			if ev.ID <= sent || !sel.Match(ev) {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			sent = ev.ID
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// resumeFrom returns the event id a client has already seen, 0 for none.
func resumeFrom(r *http.Request) (int64, bool) {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("since")
	}
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
