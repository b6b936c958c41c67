package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/bexchange/internal/action"
	"github.com/mattjoyce/bexchange/internal/auth"
	"github.com/mattjoyce/bexchange/internal/filter"
	"github.com/mattjoyce/bexchange/internal/ingest"
	"github.com/mattjoyce/bexchange/internal/meta"
	"github.com/mattjoyce/bexchange/internal/processor"
	"github.com/mattjoyce/bexchange/internal/registry"
	"github.com/mattjoyce/bexchange/internal/stats"
	"github.com/mattjoyce/bexchange/internal/transport"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Processors:    s.registry.Len(),
	})
}

// handleSubmit handles POST /submit. A JSON body carries metadata and an
// inline or local payload; any other body is the payload itself with the
// metadata document in the X-Bexchange-Metadata header, which is what peer
// nodes send.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	item, status, err := s.decodeSubmission(w, r, principal)
	if err != nil {
		s.writeError(w, status, err.Error())
		return
	}

	// Once accepted the item is dispatched even if the client goes away.
	out, err := s.submitter.Submit(context.WithoutCancel(r.Context()), item)
	switch {
	case errors.Is(err, ingest.ErrDuplicate):
		respondJSON(w, http.StatusOK, SubmitResponse{Item: item.ID(), Status: "duplicate", Outcomes: []registry.Dispatched{}})
		return
	case err != nil:
		s.logger.Error("submission failed", "item", item.ID(), "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "dispatch failed")
		return
	}
	respondJSON(w, http.StatusOK, SubmitResponse{Item: item.ID(), Status: "accepted", Outcomes: out})
}

func (s *Server) decodeSubmission(w http.ResponseWriter, r *http.Request, principal auth.Principal) (processor.Item, int, error) {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var m *meta.Metadata
	if mediaType == "application/json" {
		var req SubmitRequest
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			return processor.Item{}, http.StatusBadRequest, errors.New("invalid JSON body")
		}
		if len(req.Metadata) == 0 {
			return processor.Item{}, http.StatusBadRequest, errors.New("metadata is required")
		}
		b, err := meta.DecodeAttributes(req.Metadata)
		if err != nil {
			return processor.Item{}, http.StatusBadRequest, err
		}
		switch {
		case len(req.Payload) > 0:
			b.Payload(meta.Payload{Data: req.Payload})
		case req.PayloadPath != "" && principal.Node == "":
			b.Payload(meta.Payload{Path: req.PayloadPath})
		case req.PayloadPath != "":
			return processor.Item{}, http.StatusForbidden, errors.New("peers cannot submit local payload paths")
		default:
			return processor.Item{}, http.StatusBadRequest, errors.New("payload is required")
		}
		b.Origin(req.Origin)
		if m, err = b.Build(); err != nil {
			return processor.Item{}, http.StatusBadRequest, err
		}
	} else {
		header := r.Header.Get(transport.HeaderMetadata)
		if header == "" {
			return processor.Item{}, http.StatusBadRequest, errors.New("missing " + transport.HeaderMetadata + " header")
		}
		doc, err := meta.ParseDocument([]byte(header))
		if err != nil {
			return processor.Item{}, http.StatusBadRequest, err
		}
		data, err := io.ReadAll(body)
		if err != nil {
			return processor.Item{}, http.StatusRequestEntityTooLarge, errors.New("request body too large")
		}
		if len(data) == 0 {
			return processor.Item{}, http.StatusBadRequest, errors.New("payload is required")
		}
		m = doc.Metadata.WithPayload(meta.Payload{Data: data})
	}

	switch {
	case principal.Node != "":
		m = m.WithOrigin(principal.Node)
	case m.Origin() != "" && !auth.HasAnyScope(principal, auth.ScopeOriginSet):
		return processor.Item{}, http.StatusForbidden, errors.New("setting origin requires the " + auth.ScopeOriginSet + " scope")
	}
	return processor.Item{Metadata: m, Payload: m.Payload()}, 0, nil
}

// handleListProcessors handles GET /processors.
func (s *Server) handleListProcessors(w http.ResponseWriter, r *http.Request) {
	all := s.registry.Statistics()
	procs := s.registry.List()
	out := make([]ProcessorResponse, 0, len(procs))
	for _, p := range procs {
		out = append(out, describeProcessor(p, all[p.Name()]))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleGetProcessor handles GET /processors/{name}.
func (s *Server) handleGetProcessor(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	p, err := s.registry.Get(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "processor not found")
		return
	}
	st, _ := s.registry.StatisticsOf(name)
	respondJSON(w, http.StatusOK, describeProcessor(p, st))
}

// handleSetActive handles PUT /processors/{name}/active.
func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req SetActiveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Active == nil {
		s.writeError(w, http.StatusBadRequest, `body must be {"active": true|false}`)
		return
	}
	if err := s.registry.SetActive(name, *req.Active); err != nil {
		if errors.Is(err, registry.ErrUnknownProcessor) {
			s.writeError(w, http.StatusNotFound, "processor not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	p, err := s.registry.Get(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "processor not found")
		return
	}
	st, _ := s.registry.StatisticsOf(name)
	respondJSON(w, http.StatusOK, describeProcessor(p, st))
}

// handleStatistics handles GET /statistics.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.Statistics())
}

func describeProcessor(p *processor.Processor, st stats.Entry) ProcessorResponse {
	origins := p.AllowedOrigins()
	sort.Strings(origins)
	resp := ProcessorResponse{
		Name:              p.Name(),
		Active:            p.Active(),
		Running:           p.Running(),
		Filter:            filter.Text(p.Filter()),
		FilterFingerprint: filter.Fingerprint(p.Filter()),
		AllowedOrigins:    origins,
		AllowDuplicates:   p.AllowsDuplicates(),
		Statistics:        st,
	}
	switch a := p.Action().(type) {
	case *action.Forward:
		resp.Action = action.TypeForward
		resp.Queued = a.Queued()
		if a.Chain() != nil {
			resp.Connectors = a.Chain().Health()
		}
	case *action.Store:
		resp.Action = action.TypeStore
	default:
		resp.Action = strings.TrimPrefix(fmt.Sprintf("%T", a), "*")
	}
	return resp
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
