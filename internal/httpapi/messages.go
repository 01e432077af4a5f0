package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"wagate/internal/dispatch"
	"wagate/internal/message"
	"wagate/internal/upstream"
	"wagate/pkg/logx"
)

type sendRequest struct {
	MessageID      string          `json:"message_id,omitempty"`
	ChannelID      string          `json:"channel_id,omitempty"`
	CampaignID     string          `json:"campaign_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	To             string          `json:"to"`
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content"`
	Responder      string          `json:"responder,omitempty"`
}

type sendResponse struct {
	MessageID         string         `json:"message_id"`
	Status            message.Status `json:"status,omitempty"`
	ProviderID        string         `json:"provider_id,omitempty"`
	Code              string         `json:"code,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	RetryAfterSeconds int            `json:"retry_after_seconds,omitempty"`
	RetryJobID        string         `json:"retry_job_id,omitempty"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	if s.d.Sender == nil {
		writeError(w, http.StatusNotImplemented, "sending is not configured", "")
		return
	}
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "")
		return
	}
	if strings.TrimSpace(req.Type) == "" || len(req.Content) == 0 {
		writeError(w, http.StatusBadRequest, "type and content are required", "")
		return
	}
	res, err := s.d.Sender.Send(r.Context(), dispatch.Request{
		MessageID:      req.MessageID,
		TenantID:       chi.URLParam(r, "tenant"),
		ChannelID:      req.ChannelID,
		CampaignID:     req.CampaignID,
		ConversationID: req.ConversationID,
		Recipient:      req.To,
		Payload:        upstream.Payload{Type: req.Type, Body: req.Content},
		Responder:      req.Responder,
	})
	out := sendResponse{
		MessageID:  res.MessageID,
		Status:     res.Status,
		ProviderID: res.ProviderID,
		Code:       string(res.Code),
		Reason:     res.Reason,
		RetryJobID: res.RetryJobID,
	}
	switch {
	case err == nil && res.Status == message.StatusRetryPending:
		out.RetryAfterSeconds = retrySeconds(res.RetryAfter)
		writeJSON(w, http.StatusAccepted, out)
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case res.MessageID == "":
		writeDispatchError(w, err)
	default:
		// Keep the message id so the agent can look the record up later.
		status := statusFor(err)
		var de *dispatch.Error
		if errors.As(err, &de) {
			out.Code, out.Reason = string(de.Code), de.Reason
			if de.Retryable() {
				out.RetryAfterSeconds = retrySeconds(de.RetryAfter())
			}
		} else {
			out.Reason = err.Error()
			if errors.Is(err, dispatch.ErrCampaignPaused) {
				out.Code = "CAMPAIGN_PAUSED"
			}
		}
		if out.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(out.RetryAfterSeconds))
		}
		writeJSON(w, status, out)
	}
}

type templateRequest struct {
	ChannelID  string          `json:"channel_id,omitempty"`
	Name       string          `json:"name"`
	Language   string          `json:"language"`
	Category   string          `json:"category"`
	Components json.RawMessage `json:"components,omitempty"`
}

func (s *Server) submitTemplate(w http.ResponseWriter, r *http.Request) {
	if s.d.Sender == nil {
		writeError(w, http.StatusNotImplemented, "sending is not configured", "")
		return
	}
	var req templateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "")
		return
	}
	res, err := s.d.Sender.SubmitTemplate(r.Context(), dispatch.TemplateRequest{
		TenantID:  chi.URLParam(r, "tenant"),
		ChannelID: req.ChannelID,
		Template: upstream.Template{
			Name:       req.Name,
			Language:   req.Language,
			Category:   req.Category,
			Components: req.Components,
		},
	})
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	if s.d.Messages == nil {
		writeError(w, http.StatusNotImplemented, "message store is not configured", "")
		return
	}
	m, err := s.d.Messages.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, message.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found", "")
		return
	}
	if err != nil {
		s.log.Warn("get message failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load message", "")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	if s.d.Messages == nil {
		writeError(w, http.StatusNotImplemented, "message store is not configured", "")
		return
	}
	status := message.Status(r.URL.Query().Get("status"))
	items, err := s.d.Messages.ListMessages(r.Context(), chi.URLParam(r, "tenant"), status, queryInt(r, "limit", 50, 500))
	if err != nil {
		s.log.Warn("list messages failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load messages", "")
		return
	}
	if items == nil {
		items = []message.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
