package text

import (
	"encoding/json"
	"net/http"
	"time"

	"syncpad/database"
	"syncpad/server/util"
)

type TextHandler struct{}

type ApiResponse struct {
	Success      bool        `json:"success"`
	Data         interface{} `json:"data,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

type TextUpdateRequest struct {
	Content string `json:"content"`
}

// Get returns the user's text, refreshing its access time. Users without
// a text row get an empty pad rather than an error.
func (h *TextHandler) Get(w http.ResponseWriter, r *http.Request) {
	DB, user, err := util.GetDBAndUser(r)
	if err != nil {
		http.Error(w, "Unable to get database or user", http.StatusBadRequest)
		return
	}

	message, err := database.GetText(DB, user.ID)
	if err != nil {
		http.Error(w, "Unable to load text", http.StatusInternalServerError)
		return
	}
	if message == nil {
		message = &database.TextSyncMessage{
			Content:   "",
			UpdatedAt: time.Now(),
			SenderId:  user.ID,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ApiResponse{Success: true, Data: message})
}

// Update replaces the user's text over plain HTTP. Live devices pick up
// the change through their own RPC traffic; only the hub's
// SendTextUpdate broadcasts.
func (h *TextHandler) Update(w http.ResponseWriter, r *http.Request) {
	DB, user, err := util.GetDBAndUser(r)
	if err != nil {
		http.Error(w, "Unable to get database or user", http.StatusBadRequest)
		return
	}

	var data TextUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	message, err := database.UpdateText(DB, user.ID, data.Content)
	if err != nil {
		http.Error(w, "Unable to save text", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ApiResponse{Success: true, Data: message})
}
