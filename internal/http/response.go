package httpapi

import (
	"encoding/json"
	"net/http"

	"iconforge/internal/credits"
	"iconforge/internal/models"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// GenerationResponse is the body of every guarded generation call.
type GenerationResponse struct {
	Success          bool             `json:"success"`
	Data             any              `json:"data,omitempty"`
	Error            string           `json:"error,omitempty"`
	LimitType        models.LimitType `json:"limit_type,omitempty"`
	RemainingCredits *int             `json:"remaining_credits,omitempty"`
	IsSubscribed     bool             `json:"is_subscribed"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

// respondResult writes a guarded result: 200 when the operation ran, 429
// when the credit check declined it.
func respondResult[T any](w http.ResponseWriter, res credits.Result[T]) {
	if !res.Success {
		respondJSON(w, http.StatusTooManyRequests, GenerationResponse{
			Success:      false,
			Error:        res.Error,
			LimitType:    res.LimitType,
			IsSubscribed: res.IsSubscribed,
		})
		return
	}
	remaining := res.RemainingCredits
	respondJSON(w, http.StatusOK, GenerationResponse{
		Success:          true,
		Data:             res.Data,
		RemainingCredits: &remaining,
		IsSubscribed:     res.IsSubscribed,
	})
}
