package alerts

import (
	"context"
	"errors"
	"fmt"

	"wagate/internal/campaign"
	"wagate/internal/eventbus"
	"wagate/internal/retryq"
	"wagate/internal/sla"
	"wagate/pkg/logx"
)

var watchedTopics = []string{
	eventbus.TopicSLABreached,
	eventbus.TopicCampaignPaused,
	eventbus.TopicMessageDead,
	eventbus.TopicCredentialReject,
}

func (s *Service) watch(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a, ok := FromEvent(e)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, a); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Warn("alert not queued", logx.String("topic", e.Topic), logx.Err(err))
			}
		}
	}
}

// FromEvent renders an operator alert for the bus events worth a page.
func FromEvent(e eventbus.Event) (Alert, bool) {
	switch d := e.Data.(type) {
	case sla.Deadline:
		return Alert{
			Severity: SeverityWarn,
			Key:      "sla:" + d.ConversationID,
			Text: fmt.Sprintf("SLA breached: conversation %s (tenant %s) had no first response by %s, priority %d",
				d.ConversationID, d.TenantID, d.Deadline.UTC().Format("15:04 MST"), d.Priority),
		}, true
	case campaign.State:
		return Alert{
			Severity: SeverityCritical,
			Key:      "campaign:" + d.CampaignID,
			Text:     fmt.Sprintf("Campaign %s paused: %s", d.CampaignID, d.Reason),
		}, true
	case retryq.Job:
		return Alert{
			Severity: SeverityWarn,
			Key:      "dead:" + d.ID,
			Text: fmt.Sprintf("Message %s to %s (tenant %s) dead-lettered after %d attempts: %s",
				d.MessageID, d.Recipient, d.TenantID, d.RetryCount, d.LastError),
		}, true
	case map[string]string:
		if e.Topic != eventbus.TopicCredentialReject {
			return Alert{}, false
		}
		return Alert{
			Severity: SeverityCritical,
			Key:      "cred:" + d["tenant"] + ":" + d["channel"],
			Text:     fmt.Sprintf("Credential rejected for tenant %s channel %s; re-provisioning needed", d["tenant"], d["channel"]),
		}, true
	}
	return Alert{}, false
}
