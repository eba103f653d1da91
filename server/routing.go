package server

import (
	"fmt"
	"net/http"

	"gorm.io/gorm"

	"syncpad/api/files"
	"syncpad/api/text"
	"syncpad/api/user"
	"syncpad/database"
	"syncpad/hub"
)

func BackendRouting(
	DB *gorm.DB,
	store *database.FileStore,
	syncHub *hub.Hub,
	debug bool,
) *http.ServeMux {
	mux := http.NewServeMux()
	v1PrivateApis := http.NewServeMux()
	hubMux := http.NewServeMux()

	userHandler := &user.UserHandler{}
	filesHandler := &files.FilesHandler{Store: store, Hub: syncHub}
	textHandler := &text.TextHandler{}

	v1PrivateApis.HandleFunc("GET /files", filesHandler.List)
	v1PrivateApis.HandleFunc("GET /files/exists", filesHandler.Exists)
	v1PrivateApis.HandleFunc("POST /files", filesHandler.Upload)
	v1PrivateApis.HandleFunc("GET /files/{file_id}", filesHandler.Download)
	v1PrivateApis.HandleFunc("DELETE /files/{file_id}", filesHandler.Delete)

	v1PrivateApis.HandleFunc("GET /text", textHandler.Get)
	v1PrivateApis.HandleFunc("POST /text", textHandler.Update)

	v1PrivateApis.HandleFunc("POST /user/logout", userHandler.Logout)

	mux.Handle("POST /api/v1/user/login", DatabaseMiddleware(DB)(http.HandlerFunc(userHandler.Login)))
	mux.Handle("POST /api/v1/user/register", DatabaseMiddleware(DB)(http.HandlerFunc(userHandler.Register)))
	mux.HandleFunc("GET /_health", func(w http.ResponseWriter, r *http.Request) {
		if ServerStatus != "running" {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(fmt.Sprintf("Server is not running, status: %s", ServerStatus)))
		} else {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Server is running"))
		}
	})
	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", Logging(AuthMiddleware(DB)(v1PrivateApis))))

	hubMux.HandleFunc("/text", syncHub.Connect)
	mux.Handle("/hubs/", http.StripPrefix("/hubs", AuthMiddleware(DB)(hubMux)))

	return mux
}
