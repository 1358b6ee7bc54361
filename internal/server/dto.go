package server

import (
	"encoding/json"

	"experimenter/internal/approval"
	"experimenter/internal/domain"
	"experimenter/internal/guard"
	"experimenter/internal/status"
)

type ChangelogResponse struct {
	ID               int64          `json:"id"`
	TS               string         `json:"ts" format:"date-time"`
	Kind             string         `json:"kind"`
	ExperimentID     int64          `json:"experiment_id"`
	ActorID          string         `json:"actor_id"`
	Message          string         `json:"message,omitempty"`
	OldStatus        string         `json:"old_status,omitempty"`
	NewStatus        string         `json:"new_status,omitempty"`
	OldPublishStatus string         `json:"old_publish_status,omitempty"`
	NewPublishStatus string         `json:"new_publish_status,omitempty"`
	Payload          map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedChangelog struct {
	Items      []ChangelogResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type RedirectResponse struct {
	Page string `json:"page"`
	guard.Decision
}

type AffordancesResponse struct {
	Stage   string            `json:"stage"`
	Status  status.Check      `json:"status"`
	View    string            `json:"view"`
	Actions []approval.Action `json:"actions"`
}

type PublishRequest struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type APIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func changelogResponse(c domain.ChangelogEntry) ChangelogResponse {
	resp := ChangelogResponse{
		ID:               c.ID,
		TS:               c.TS,
		Kind:             c.Kind,
		ExperimentID:     c.ExperimentID,
		ActorID:          c.ActorID,
		Message:          c.Message,
		OldStatus:        c.OldStatus,
		NewStatus:        c.NewStatus,
		OldPublishStatus: c.OldPublish,
		NewPublishStatus: c.NewPublish,
	}
	if c.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(c.Payload), &payload); err == nil && len(payload) > 0 {
			resp.Payload = payload
		}
	}
	return resp
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
