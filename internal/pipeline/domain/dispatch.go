package domain

import (
	"time"

	"github.com/google/uuid"
)

// DispatchKind is the channel of an outbound side effect.
type DispatchKind string

const (
	DispatchEmail        DispatchKind = "email"
	DispatchTask         DispatchKind = "task"
	DispatchNotification DispatchKind = "notification"
	DispatchWebhook      DispatchKind = "webhook"
)

// DispatchRequest is handed to the dispatch collaborator. The engine does not
// wait for delivery.
type DispatchRequest struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Kind          DispatchKind
	Target        string
	Payload       map[string]any
	RuleID        uuid.UUID
	OpportunityID uuid.UUID
	CreatedAt     time.Time
}

// NewDispatchRequest builds the request for a side-effect action.
func NewDispatchRequest(action Action, rule Rule, opp Opportunity, stageName string, now time.Time) (DispatchRequest, bool) {
	req := DispatchRequest{
		ID:            uuid.New(),
		TenantID:      opp.TenantID,
		RuleID:        rule.ID,
		OpportunityID: opp.ID,
		CreatedAt:     now.UTC(),
		Payload: map[string]any{
			"ruleId":          rule.ID.String(),
			"ruleName":        rule.Name,
			"opportunityId":   opp.ID.String(),
			"opportunityName": opp.Name,
			"value":           opp.Value,
			"stage":           stageName,
		},
	}

	switch action.Type {
	case ActionCreateTask:
		req.Kind = DispatchTask
		req.Target = action.String("assignee")
		if req.Target == "" {
			req.Target = opp.OwnerID
		}
		req.Payload["title"] = action.String("title")
		req.Payload["description"] = action.String("description")
		if days, ok := action.Float("dueInDays"); ok {
			req.Payload["dueAt"] = now.UTC().Add(time.Duration(days*24) * time.Hour).Format(time.RFC3339)
		}
	case ActionSendEmail:
		req.Kind = DispatchEmail
		req.Target = action.String("to")
		req.Payload["subject"] = action.String("subject")
		req.Payload["body"] = action.String("body")
	case ActionNotifyUser:
		req.Kind = DispatchNotification
		req.Target = action.String("userId")
		req.Payload["message"] = action.String("message")
	case ActionWebhook:
		req.Kind = DispatchWebhook
		req.Target = action.String("url")
		if method := action.String("method"); method != "" {
			req.Payload["method"] = method
		}
	default:
		return DispatchRequest{}, false
	}
	return req, true
}
