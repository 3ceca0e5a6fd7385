package server

import (
	"encoding/json"

	"rivo/internal/domain"
)

type CreateRecordRequest struct {
	Kind     string         `json:"kind" enum:"lead,deal,contract,invoice"`
	Status   string         `json:"status,omitempty"`
	TenantID string         `json:"tenant_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type DecisionRequest struct {
	Decision string  `json:"decision" enum:"approved,rejected"`
	Reason   *string `json:"reason,omitempty"`
}

type RecordResponse struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status"`
	TenantID  string         `json:"tenant_id"`
	Version   int            `json:"version"`
	Payload   map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

func recordResponse(rec domain.Record) RecordResponse {
	resp := RecordResponse{
		ID:        rec.ID,
		Kind:      rec.Kind,
		Status:    rec.Status,
		TenantID:  rec.TenantID,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.PayloadJSON != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(rec.PayloadJSON), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}

func recordResponses(recs []domain.Record) []RecordResponse {
	out := make([]RecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordResponse(rec))
	}
	return out
}
