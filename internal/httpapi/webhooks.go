package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wagate/internal/classify"
	"wagate/internal/compliance"
	"wagate/internal/eventbus"
	"wagate/internal/message"
	"wagate/internal/sla"
	"wagate/internal/upstream"
	"wagate/pkg/logx"
)

// InboundEvent is a customer message forwarded by the provider bridge.
type InboundEvent struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	From           string `json:"from"`
	Text           string `json:"text,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

type inboundResponse struct {
	Keyword     compliance.KeywordAction `json:"keyword,omitempty"`
	SLADeadline *time.Time               `json:"sla_deadline,omitempty"`
}

func (s *Server) inbound(w http.ResponseWriter, r *http.Request) {
	var ev InboundEvent
	if err := decode(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "")
		return
	}
	ev.TenantID = strings.TrimSpace(ev.TenantID)
	if ev.TenantID == "" || strings.TrimSpace(ev.From) == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and from are required", "")
		return
	}
	ctx := r.Context()
	var out inboundResponse

	if s.d.OptOuts != nil {
		act, err := s.d.OptOuts.HandleInbound(ctx, ev.TenantID, ev.From, ev.Text)
		if err != nil {
			s.log.Error("keyword handling failed", logx.String("tenant", ev.TenantID), logx.Err(err))
			writeError(w, http.StatusInternalServerError, "failed to apply keyword", "")
			return
		}
		out.Keyword = act
	}
	if s.d.Bus != nil {
		s.d.Bus.Publish(eventbus.Event{Topic: eventbus.TopicInbound, Data: ev})
	}
	// An opt-out is acknowledged by the system, not by an agent.
	if ev.ConversationID != "" && s.d.Deadlines != nil && out.Keyword != compliance.KeywordOptOut {
		d, err := s.d.Deadlines.SetDeadline(ctx, ev.TenantID, ev.ConversationID)
		switch {
		case err == nil:
			out.SLADeadline = &d.Deadline
		case errors.Is(err, sla.ErrDisabled):
		default:
			s.log.Warn("sla deadline not started", logx.String("conversation", ev.ConversationID), logx.Err(err))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type StatusError struct {
	Code  int    `json:"code"`
	Title string `json:"title,omitempty"`
}

// StatusEvent is a delivery status callback for a sent message.
type StatusEvent struct {
	TenantID   string        `json:"tenant_id"`
	MessageID  string        `json:"message_id,omitempty"`
	ProviderID string        `json:"provider_id,omitempty"`
	Recipient  string        `json:"recipient"`
	Status     string        `json:"status"`
	Errors     []StatusError `json:"errors,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	var ev StatusEvent
	if err := decode(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "")
		return
	}
	if strings.TrimSpace(ev.TenantID) == "" || strings.TrimSpace(ev.Recipient) == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and recipient are required", "")
		return
	}
	ctx := r.Context()
	optedOut := false
	for _, e := range ev.Errors {
		if !providerError(e).OptOut || s.d.OptOuts == nil {
			continue
		}
		reason := fmt.Sprintf("provider code %d", e.Code)
		if err := s.d.OptOuts.OptOut(ctx, ev.TenantID, ev.Recipient, compliance.SourceWebhook, reason); err != nil {
			s.log.Error("provider opt-out not stored", logx.String("tenant", ev.TenantID), logx.Err(err))
			writeError(w, http.StatusInternalServerError, "failed to store opt-out", "")
			return
		}
		optedOut = true
		break
	}
	if ev.Status == "failed" && ev.MessageID != "" && s.d.Messages != nil {
		s.markDeliveryFailed(r, ev)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"opted_out": optedOut})
}

func (s *Server) markDeliveryFailed(r *http.Request, ev StatusEvent) {
	m, err := s.d.Messages.GetMessage(r.Context(), ev.MessageID)
	if err != nil {
		if !errors.Is(err, message.ErrNotFound) {
			s.log.Warn("status webhook: message lookup failed", logx.String("message", ev.MessageID), logx.Err(err))
		}
		return
	}
	m.Status = message.StatusFailed
	if len(ev.Errors) > 0 {
		cls := providerError(ev.Errors[0])
		m.Code, m.Reason = string(cls.Code), ev.Errors[0].Title
	}
	m.UpdatedAt = time.Now().UTC()
	if err := s.d.Messages.SaveMessage(r.Context(), m); err != nil {
		s.log.Warn("status webhook: message not updated", logx.String("message", m.ID), logx.Err(err))
	}
}

func providerError(e StatusError) classify.Classification {
	return classify.Classify(&upstream.Error{Code: e.Code, Message: e.Title})
}
