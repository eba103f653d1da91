package user

import (
	"encoding/json"
	"net/http"

	"syncpad/database"
	"syncpad/server/util"
)

type UserHandler struct{}

type UserRegister struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	DB, err := util.GetDB(r)
	if err != nil {
		http.Error(w, "Unable to get database", http.StatusInternalServerError)
		return
	}

	var data UserRegister
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if data.Email == "" || len(data.Password) < 8 {
		http.Error(w, "Email and a password of at least 8 characters are required", http.StatusBadRequest)
		return
	}
	if data.Name == "" {
		data.Name = data.Email
	}

	user, err := database.RegisterUser(DB, data.Name, data.Email, []byte(data.Password))
	if err != nil {
		http.Error(w, "Unable to register user", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"uuid":  user.UUID,
		"name":  user.Name,
		"email": user.Email,
	})
}
