package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/nagriksetu/nagriksetu/internal/backend"
	"github.com/nagriksetu/nagriksetu/internal/observe"
	"github.com/nagriksetu/nagriksetu/internal/resilience"
	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
	"github.com/nagriksetu/nagriksetu/pkg/audio/wavfile"
	"github.com/nagriksetu/nagriksetu/pkg/provider/speech"
	"github.com/nagriksetu/nagriksetu/pkg/provider/text"
)

// errNotConfigured is answered with 503 by routes whose dependency is absent.
var errNotConfigured = errors.New("server: not configured")

type errorBody struct {
	Error string `json:"error"`
}

// speechRequest is the body of POST /api/speech.
type speechRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`

	// Format is "wav" (default) or "pcm".
	Format string `json:"format,omitempty"`
}

type registerRequest struct {
	backend.Credentials
	DisplayName string `json:"displayName,omitempty"`
}

type appendResponse struct {
	ID string `json:"id"`
}

type listResponse struct {
	Records []backend.Record `json:"records"`
}

// ── Generative ───────────────────────────────────────────────────────────────

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if s.completer == nil {
		s.writeError(w, r, errNotConfigured)
		return
	}
	var req text.Request
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.completer.Complete(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	if s.synthesizer == nil {
		s.writeError(w, r, errNotConfigured)
		return
	}
	var req speechRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Format != "" && req.Format != "wav" && req.Format != "pcm" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("unknown format %q", req.Format)})
		return
	}

	audioBytes, err := s.synthesizer.Synthesize(r.Context(), req.Text, req.Voice)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rate := s.synthesizer.SampleRate()

	if req.Format == "pcm" {
		w.Header().Set("Content-Type", pcm.MIMEType(rate))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(audioBytes)
		return
	}

	var b bytes.Buffer
	if err := wavfile.Encode(&b, audioBytes, rate); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(b.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b.Bytes())
}

// ── Backend ──────────────────────────────────────────────────────────────────

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		s.writeError(w, r, errNotConfigured)
		return
	}
	var cred backend.Credentials
	if !s.decode(w, r, &cred) {
		return
	}
	id, err := s.backend.Authenticate(r.Context(), cred)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.backend.(backend.Registrar)
	if !ok {
		s.writeError(w, r, errNotConfigured)
		return
	}
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := reg.Register(r.Context(), req.Credentials, req.DisplayName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, id)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		s.writeError(w, r, errNotConfigured)
		return
	}
	p, found, err := s.backend.GetProfile(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "profile not found"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		s.writeError(w, r, errNotConfigured)
		return
	}
	var partial backend.Profile
	if !s.decode(w, r, &partial) {
		return
	}
	if err := s.backend.PutProfile(r.Context(), r.PathValue("id"), partial); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		s.writeError(w, r, errNotConfigured)
		return
	}
	var data map[string]any
	if !s.decode(w, r, &data) {
		return
	}
	id, err := s.backend.AppendToFeed(r.Context(), r.PathValue("name"), data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appendResponse{ID: id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		s.writeError(w, r, errNotConfigured)
		return
	}
	q := r.URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be an integer"})
			return
		}
		limit = n
	}

	order := backend.Newest
	if v := q.Get("order"); v != "" {
		order = backend.OrderBy{Field: v}
	}
	if v := q.Get("desc"); v != "" {
		desc, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "desc must be a boolean"})
			return
		}
		order.Desc = desc
	}

	records, err := s.backend.ListFeed(r.Context(), r.PathValue("name"), limit, order)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []backend.Record{}
	}
	writeJSON(w, http.StatusOK, listResponse{Records: records})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// decode reads a JSON body of at most maxBodyBytes into v. It writes a 400
// response and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, backend.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, backend.ErrExists):
		return http.StatusConflict
	case errors.Is(err, backend.ErrInvalid),
		errors.Is(err, text.ErrEmptyPrompt),
		errors.Is(err, speech.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, errNotConfigured),
		errors.Is(err, backend.ErrUnavailable),
		errors.Is(err, resilience.ErrAllFailed),
		errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		observe.LoggerFrom(r.Context(), s.log).Error("request failed", "path", r.URL.Path, "err", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
