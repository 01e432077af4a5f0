package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"wagate/internal/campaign"
	"wagate/internal/compliance"
	"wagate/internal/replylock"
	"wagate/internal/retryq"
	"wagate/internal/upstream"
	"wagate/pkg/logx"
)

// actor names who did an admin action: body field first, then X-Actor.
func actor(r *http.Request, fromBody string) string {
	if a := strings.TrimSpace(fromBody); a != "" {
		return a
	}
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return "api"
}

func (s *Server) getOptOut(w http.ResponseWriter, r *http.Request) {
	if s.d.OptOuts == nil {
		writeError(w, http.StatusNotImplemented, "compliance is not configured", "")
		return
	}
	tenant, rcpt := chi.URLParam(r, "tenant"), chi.URLParam(r, "recipient")
	writeJSON(w, http.StatusOK, map[string]any{
		"recipient": compliance.NormalizeRecipient(rcpt),
		"blocked":   s.d.OptOuts.IsBlocked(r.Context(), tenant, rcpt),
	})
}

func (s *Server) optOut(w http.ResponseWriter, r *http.Request) {
	if s.d.OptOuts == nil {
		writeError(w, http.StatusNotImplemented, "compliance is not configured", "")
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "")
		return
	}
	tenant, rcpt := chi.URLParam(r, "tenant"), chi.URLParam(r, "recipient")
	if err := s.d.OptOuts.OptOut(r.Context(), tenant, rcpt, compliance.SourceAdmin, body.Reason); err != nil {
		s.log.Error("manual opt-out failed", logx.String("tenant", tenant), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to store opt-out", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"opted_out": true})
}

func (s *Server) optIn(w http.ResponseWriter, r *http.Request) {
	if s.d.OptOuts == nil {
		writeError(w, http.StatusNotImplemented, "compliance is not configured", "")
		return
	}
	tenant, rcpt := chi.URLParam(r, "tenant"), chi.URLParam(r, "recipient")
	if err := s.d.OptOuts.OptIn(r.Context(), tenant, rcpt, compliance.SourceAdmin); err != nil {
		s.log.Error("manual opt-in failed", logx.String("tenant", tenant), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to clear opt-out", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"opted_out": false})
}

type lockBody struct {
	Holder string `json:"holder"`
}

func (s *Server) acquireLock(w http.ResponseWriter, r *http.Request) {
	if s.d.Locks == nil {
		writeError(w, http.StatusNotImplemented, "locks are not configured", "")
		return
	}
	var body lockBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "")
		return
	}
	res, err := s.d.Locks.Acquire(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(body.Holder))
	if errors.Is(err, replylock.ErrBadArgs) {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if err != nil {
		s.log.Error("lock acquire failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "lock store unavailable", "")
		return
	}
	status := http.StatusOK
	if !res.Acquired {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	if s.d.Locks == nil {
		writeError(w, http.StatusNotImplemented, "locks are not configured", "")
		return
	}
	holder := r.URL.Query().Get("holder")
	if holder == "" {
		var body lockBody
		if err := decode(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "")
			return
		}
		holder = body.Holder
	}
	ok, err := s.d.Locks.Release(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(holder))
	if errors.Is(err, replylock.ErrBadArgs) {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if err != nil {
		s.log.Error("lock release failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "lock store unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": ok})
}

func (s *Server) lockStatus(w http.ResponseWriter, r *http.Request) {
	if s.d.Locks == nil {
		writeError(w, http.StatusNotImplemented, "locks are not configured", "")
		return
	}
	st, err := s.d.Locks.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error("lock status failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "lock store unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) slaStatus(w http.ResponseWriter, r *http.Request) {
	if s.d.Deadlines == nil {
		writeError(w, http.StatusNotImplemented, "sla is not configured", "")
		return
	}
	d, ok, err := s.d.Deadlines.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error("sla lookup failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load deadline", "")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no deadline for conversation", "")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.d.DeadLetters == nil {
		writeError(w, http.StatusNotImplemented, "retry queue is not configured", "")
		return
	}
	jobs, err := s.d.DeadLetters.DeadLetters(r.Context(), chi.URLParam(r, "tenant"), queryInt(r, "limit", 50, 500))
	if err != nil {
		s.log.Error("dead letter list failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load dead letters", "")
		return
	}
	if jobs == nil {
		jobs = []retryq.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) resendDeadLetter(w http.ResponseWriter, r *http.Request) {
	if s.d.DeadLetters == nil {
		writeError(w, http.StatusNotImplemented, "retry queue is not configured", "")
		return
	}
	var body struct {
		Actor string `json:"actor"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "")
		return
	}
	j, err := s.d.DeadLetters.ResendDeadLetter(r.Context(), chi.URLParam(r, "id"), actor(r, body.Actor))
	if errors.Is(err, retryq.ErrNotFound) {
		writeError(w, http.StatusNotFound, "dead letter not found", "")
		return
	}
	if err != nil {
		s.log.Error("dead letter resend failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to requeue", "")
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) campaignState(w http.ResponseWriter, r *http.Request) {
	if s.d.Campaigns == nil {
		writeError(w, http.StatusNotImplemented, "campaigns are not configured", "")
		return
	}
	st, err := s.d.Campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error("campaign lookup failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load campaign", "")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) pauseCampaign(w http.ResponseWriter, r *http.Request) {
	if s.d.Campaigns == nil {
		writeError(w, http.StatusNotImplemented, "campaigns are not configured", "")
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "")
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "paused by " + actor(r, "")
	}
	id := chi.URLParam(r, "id")
	if err := s.d.Campaigns.Pause(r.Context(), id, reason); err != nil {
		s.log.Error("campaign pause failed", logx.String("campaign", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to pause", "")
		return
	}
	s.campaignState(w, r)
}

func (s *Server) resumeCampaign(w http.ResponseWriter, r *http.Request) {
	if s.d.Campaigns == nil {
		writeError(w, http.StatusNotImplemented, "campaigns are not configured", "")
		return
	}
	var body struct {
		Actor string `json:"actor"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.d.Campaigns.Resume(r.Context(), id, actor(r, body.Actor)); err != nil {
		s.log.Error("campaign resume failed", logx.String("campaign", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to resume", "")
		return
	}
	s.campaignState(w, r)
}

type runRequest struct {
	TenantID   string          `json:"tenant_id"`
	ChannelID  string          `json:"channel_id,omitempty"`
	Type       string          `json:"type"`
	Content    json.RawMessage `json:"content"`
	Recipients []string        `json:"recipients"`
}

func (s *Server) runCampaign(w http.ResponseWriter, r *http.Request) {
	if s.d.Launcher == nil {
		writeError(w, http.StatusNotImplemented, "campaign runner is not configured", "")
		return
	}
	var body runRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "")
		return
	}
	if strings.TrimSpace(body.TenantID) == "" || body.Type == "" || len(body.Content) == 0 || len(body.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "tenant_id, type, content and recipients are required", "")
		return
	}
	c := campaign.Campaign{
		ID:        chi.URLParam(r, "id"),
		TenantID:  body.TenantID,
		ChannelID: body.ChannelID,
		Payload:   upstream.Payload{Type: body.Type, Body: body.Content},
	}
	if err := s.d.Launcher.Launch(r.Context(), c, body.Recipients); err != nil {
		writeError(w, http.StatusConflict, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"campaign_id": c.ID, "recipients": len(body.Recipients)})
}

func (s *Server) putCredential(w http.ResponseWriter, r *http.Request) {
	if s.d.Credentials == nil {
		writeError(w, http.StatusNotImplemented, "vault is not configured", "")
		return
	}
	var body struct {
		AccountID string `json:"account_id"`
		Token     string `json:"token"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "")
		return
	}
	if strings.TrimSpace(body.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required", "")
		return
	}
	tenant, ch := chi.URLParam(r, "tenant"), chi.URLParam(r, "channel")
	if err := s.d.Credentials.Put(r.Context(), tenant, ch, body.AccountID, body.Token); err != nil {
		s.log.Error("credential store failed", logx.String("tenant", tenant), logx.String("channel", ch), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to store credential", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rotateCredentials(w http.ResponseWriter, r *http.Request) {
	if s.d.Credentials == nil {
		writeError(w, http.StatusNotImplemented, "vault is not configured", "")
		return
	}
	n, err := s.d.Credentials.Rotate(r.Context())
	resp := map[string]any{"rewritten": n}
	if err != nil {
		s.log.Warn("credential rotation incomplete", logx.Int("rewritten", n), logx.Err(err))
		resp["error"] = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
