package server

import (
	"jubee/internal/domain"
	"jubee/internal/graph"
)

// Request payloads

type CreateSessionRequest struct {
	Tool string         `json:"tool" example:"drafting"`
	Seed map[string]any `json:"seed,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"hasBaseDraftHistory\":\"true\"}"`
}

type ChoiceRequest struct {
	OptionID string `json:"option_id" example:"petition"`
}

type TextRequest struct {
	Value string `json:"value"`
}

type FilesRequest struct {
	Files []domain.FileDescriptor `json:"files"`
}

type UploadFailureRequest struct {
	Message string `json:"message" example:"picker unavailable"`
}

type CompleteRequest struct {
	Result map[string]any `json:"result" jsonschema:"type=object,additionalProperties=true" example:"{\"kind\":\"draft\",\"data\":{\"title\":\"Petition\",\"body\":\"...\"}}"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type ToolSummary struct {
	Name     string `json:"name"`
	Title    string `json:"title"`
	Start    string `json:"start"`
	Terminal string `json:"terminal"`
	Stages   int    `json:"stages"`
}

type SessionSummary struct {
	ID        string        `json:"id"`
	Tool      string        `json:"tool"`
	Status    domain.Status `json:"status"`
	Stage     string        `json:"stage"`
	OwnerID   string        `json:"owner_id,omitempty"`
	CreatedAt string        `json:"created_at" format:"date-time"`
	UpdatedAt string        `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Tool      string         `json:"tool,omitempty"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedSessions struct {
	Items []SessionSummary `json:"items"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func toolSummary(g *graph.Graph) ToolSummary {
	return ToolSummary{
		Name:     g.Name(),
		Title:    g.Title(),
		Start:    g.Start(),
		Terminal: g.Terminal(),
		Stages:   len(g.Stages()),
	}
}

func sessionSummary(r domain.SessionRecord) SessionSummary {
	return SessionSummary{
		ID:        r.ID,
		Tool:      r.Tool,
		Status:    r.Status,
		Stage:     r.Stage,
		OwnerID:   r.OwnerID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		SessionID: e.SessionID,
		Tool:      e.Tool,
		ActorID:   e.ActorID,
		Payload:   parseJSONMap(e.Payload),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
