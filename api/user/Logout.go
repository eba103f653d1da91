package user

import (
	"net/http"
	"time"

	"syncpad/api"
	"syncpad/database"
	"syncpad/server/util"
)

func (h *UserHandler) Logout(w http.ResponseWriter, r *http.Request) {
	DB, err := util.GetDB(r)
	if err != nil {
		http.Error(w, "Unable to get database", http.StatusInternalServerError)
		return
	}

	token := api.SessionToken(r)
	if token != "" {
		if err := database.DeleteSession(DB, token); err != nil {
			http.Error(w, "Unable to delete session", http.StatusInternalServerError)
			return
		}
	}

	http.SetCookie(w, api.CreateSessionCookie(r, "", time.Time{}))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Logged out"))
}
