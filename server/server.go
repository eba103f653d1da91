package server

import (
	"fmt"
	"net/http"

	"gorm.io/gorm"

	"syncpad/database"
	"syncpad/hub"
)

var ServerStatus string = "unknown"

func BackendServer(
	DB *gorm.DB,
	store *database.FileStore,
	syncHub *hub.Hub,
	host string,
	port int64,
	debug bool,
	ssl bool,
) (*http.Server, string) {
	var protocol string

	router := BackendRouting(DB, store, syncHub, debug)
	if ssl {
		protocol = "https"
	} else {
		protocol = "http"
	}

	fullHost := fmt.Sprintf("%s://%s:%d", protocol, host, port)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: router,
	}

	return server, fullHost
}
