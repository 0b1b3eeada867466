package server

import (
	"encoding/json"

	"aapkit/internal/domain"
	"aapkit/internal/schema"
)

type HealthResponse struct {
	Status             string `json:"status" example:"ok"`
	SchemasInitialized bool   `json:"schemas_initialized"`
}

type SchemasResponse struct {
	Success bool           `json:"success"`
	Schemas map[string]any `json:"schemas,omitempty"`
	Count   int            `json:"count"`
	Error   string         `json:"error,omitempty"`
}

type SchemaStatusResponse struct {
	Initialized bool           `json:"initialized"`
	Entries     []schema.Entry `json:"entries"`
}

type ValidateRequest struct {
	Payload any `json:"payload" doc:"Token payload or claim value to validate"`
}

type TemplateSummary struct {
	Key         string `json:"key" example:"research-agent"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type TemplateResponse struct {
	Key         string              `json:"key"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Payload     domain.TokenPayload `json:"payload"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type" example:"token.issued"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func templateSummaries() []TemplateSummary {
	out := []TemplateSummary{}
	for _, key := range domain.TemplateKeys() {
		tpl, _ := domain.LookupTemplate(key)
		out = append(out, TemplateSummary{Key: tpl.Key, Name: tpl.Name, Description: tpl.Description})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
