package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"commdispatch/internal/channel"
	"commdispatch/internal/comm"
	"commdispatch/internal/dispatch"
	"commdispatch/internal/storage"
)

// Engine is the part of the dispatch engine the API drives.
type Engine interface {
	Send(ctx context.Context, communicationID int64) (dispatch.Result, error)
	SendAsync(ctx context.Context, communicationID int64) (dispatch.Result, error)
	Status(ctx context.Context, communicationID int64) (dispatch.Status, error)
	ClaimNext(ctx context.Context, communicationID int64, medium comm.Medium) (*comm.Recipient, error)
	Complete(ctx context.Context, r *comm.Recipient, status comm.RecipientStatus, note string) (bool, error)
	ReapStaleLeases(ctx context.Context, communicationID int64) (storage.ReapResult, error)
}

type sendResponse struct {
	Result dispatch.Result `json:"result"`
	Error  string          `json:"error,omitempty"`
}

type pendingResponse struct {
	CommunicationID int64                          `json:"communication_id"`
	HasPending      bool                           `json:"has_pending"`
	Sent            bool                           `json:"sent"`
	SentAt          *time.Time                     `json:"sent_at,omitempty"`
	Counts          map[comm.RecipientStatus]int64 `json:"counts"`
}

type claimResponse struct {
	ID              int64      `json:"id"`
	CommunicationID int64      `json:"communication_id"`
	PersonID        int64      `json:"person_id"`
	PersonAliasID   int64      `json:"person_alias_id"`
	Medium          string     `json:"medium"`
	Address         string     `json:"address"`
	Name            string     `json:"name"`
	Attempts        int        `json:"attempts"`
	Version         int64      `json:"version"`
	FirstAttemptAt  *time.Time `json:"first_attempt_at,omitempty"`
}

type completeRequest struct {
	Version int64  `json:"version"`
	Status  string `json:"status"`
	Note    string `json:"note"`
}

type completeResponse struct {
	Recorded bool `json:"recorded"`
}

type reapResponse struct {
	Failed   int64 `json:"failed"`
	Reverted int64 `json:"reverted"`
}

func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	send := s.engine.Send
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		send = s.engine.SendAsync
	}
	res, err := send(r.Context(), id)
	if err != nil {
		writeJSON(w, statusFor(err), sendResponse{Result: res, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Result: res})
}

func (s *Service) handlePending(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := s.engine.Status(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, pendingResponse{
		CommunicationID: id,
		HasPending:      st.HasPending,
		Sent:            st.Communication.SentAt != nil,
		SentAt:          st.Communication.SentAt,
		Counts:          st.Counts,
	})
}

func (s *Service) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	medium, err := comm.ParseMedium(chi.URLParam(r, "medium"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.engine.ClaimNext(r.Context(), id, medium)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	out := claimResponse{
		ID:              rec.ID,
		CommunicationID: rec.CommunicationID,
		PersonID:        rec.PersonID,
		PersonAliasID:   rec.PersonAliasID,
		Medium:          string(rec.Medium),
		Attempts:        rec.Attempts,
		Version:         rec.Version,
		FirstAttemptAt:  rec.FirstAttemptAt,
	}
	if rec.Person != nil {
		out.Address = rec.Person.Address(rec.Medium)
		out.Name = rec.Person.FullName()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req completeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	recorded, err := s.engine.Complete(r.Context(), &comm.Recipient{ID: id, Version: req.Version}, comm.RecipientStatus(req.Status), req.Note)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	code := http.StatusOK
	if !recorded {
		code = http.StatusConflict
	}
	writeJSON(w, code, completeResponse{Recorded: recorded})
}

func (s *Service) handleReap(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := s.engine.ReapStaleLeases(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, reapResponse{Failed: res.Failed, Reverted: res.Reverted})
}

func (s *Service) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	writeJSON(w, http.StatusOK, s.activity.Recent(limit))
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	ok, detail := s.health()
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ok": ok, "detail": detail})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrInvalidCompletion):
		return http.StatusBadRequest
	case errors.Is(err, comm.ErrUnresolvableMedium), errors.Is(err, channel.ErrNoSender):
		return http.StatusUnprocessableEntity
	case errors.Is(err, channel.ErrChannelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
