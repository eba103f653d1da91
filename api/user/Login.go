package user

import (
	"encoding/json"
	"net/http"
	"time"

	"syncpad/api"
	"syncpad/database"
	"syncpad/server/util"
)

type UserLogin struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

const sessionDuration = 30 * 24 * time.Hour

func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	DB, err := util.GetDB(r)
	if err != nil {
		http.Error(w, "Unable to get database", http.StatusInternalServerError)
		return
	}

	var data UserLogin
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	user, err := database.AuthenticateUser(DB, data.Email, []byte(data.Password))
	if err != nil {
		http.Error(w, "Invalid email or password", http.StatusUnauthorized)
		return
	}

	token := api.GenerateToken(user.Email + time.Now().String())
	expiry := time.Now().Add(sessionDuration)

	if _, err := database.CreateSession(DB, user, token, expiry); err != nil {
		http.Error(w, "Unable to create session", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, api.CreateSessionCookie(r, token, expiry))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":  token,
		"expiry": expiry,
	})
}
