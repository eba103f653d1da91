package files

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"syncpad/database"
	"syncpad/hub"
	"syncpad/server/util"
)

// 100MB upload limit, matching the request size limit of the HTTP layer.
const maxUploadSize = 100 << 20

type FilesHandler struct {
	Store *database.FileStore
	Hub   *hub.Hub
}

type ApiResponse struct {
	Success      bool        `json:"success"`
	Data         interface{} `json:"data,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

type FileListResponse struct {
	Files []database.FileItemView `json:"files"`
}

type FileUploadResponse struct {
	Success      bool                   `json:"success"`
	File         *database.FileItemView `json:"file,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// List returns the user's active files in grid order.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	_, user, err := util.GetDBAndUser(r)
	if err != nil {
		http.Error(w, "Unable to get database or user", http.StatusBadRequest)
		return
	}

	views, err := h.Store.ListFiles(user.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ApiResponse{Success: false, ErrorMessage: "Unable to list files"})
		return
	}

	writeJSON(w, http.StatusOK, ApiResponse{Success: true, Data: FileListResponse{Files: views}})
}

// Exists reports whether the user already has an active file with the
// given name, so clients can prompt before uploading.
func (h *FilesHandler) Exists(w http.ResponseWriter, r *http.Request) {
	_, user, err := util.GetDBAndUser(r)
	if err != nil {
		http.Error(w, "Unable to get database or user", http.StatusBadRequest)
		return
	}

	fileName := r.URL.Query().Get("fileName")
	if fileName == "" {
		fileName = r.URL.Query().Get("name")
	}
	if fileName == "" {
		writeJSON(w, http.StatusBadRequest, ApiResponse{Success: false, ErrorMessage: "fileName is required"})
		return
	}

	exists, err := h.Store.FileExists(user.ID, fileName)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ApiResponse{Success: false, ErrorMessage: "Unable to check file"})
		return
	}

	writeJSON(w, http.StatusOK, ApiResponse{Success: true, Data: exists})
}

// Upload stores a multipart file. A same-name conflict without
// ?overwrite=true comes back as a 200 with errorMessage FILE_EXISTS so
// the client can ask the user and retry. Success is announced to the
// whole group, the uploader's own live connections included.
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	_, user, err := util.GetDBAndUser(r)
	if err != nil {
		http.Error(w, "Unable to get database or user", http.StatusBadRequest)
		return
	}

	overwrite := r.URL.Query().Get("overwrite") == "true"

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, FileUploadResponse{Success: false, ErrorMessage: "Unable to parse form"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, FileUploadResponse{Success: false, ErrorMessage: "Error retrieving the file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, FileUploadResponse{Success: false, ErrorMessage: "Unable to read file"})
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, FileUploadResponse{Success: false, ErrorMessage: "File is empty"})
		return
	}

	view, err := h.Store.Upload(user.ID, header.Filename, data, header.Header.Get("Content-Type"), overwrite)
	if errors.Is(err, database.ErrFileExists) {
		writeJSON(w, http.StatusOK, FileUploadResponse{Success: false, ErrorMessage: "FILE_EXISTS"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, FileUploadResponse{Success: false, ErrorMessage: "Unable to save file"})
		return
	}

	h.Hub.NotifyFileAdded(user.ID, view)

	writeJSON(w, http.StatusOK, FileUploadResponse{Success: true, File: view})
}

// Download streams the file's bytes. ServeContent handles Range requests
// (Accept-Ranges/Content-Range) against the blob on disk.
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	_, user, err := util.GetDBAndUser(r)
	if err != nil {
		http.Error(w, "Unable to get database or user", http.StatusBadRequest)
		return
	}

	fileId, err := strconv.ParseUint(r.PathValue("file_id"), 10, 32)
	if err != nil {
		http.Error(w, "Invalid file ID", http.StatusBadRequest)
		return
	}

	f, item, err := h.Store.Open(user.ID, uint(fileId))
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Unable to open file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	mimeType := item.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+item.FileName+"\"")
	http.ServeContent(w, r, item.FileName, item.UploadedAt, f)
}

// Delete soft-deletes the file and announces the removal to the whole
// group.
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	_, user, err := util.GetDBAndUser(r)
	if err != nil {
		http.Error(w, "Unable to get database or user", http.StatusBadRequest)
		return
	}

	fileId, err := strconv.ParseUint(r.PathValue("file_id"), 10, 32)
	if err != nil {
		http.Error(w, "Invalid file ID", http.StatusBadRequest)
		return
	}

	err = h.Store.Delete(user.ID, uint(fileId))
	if errors.Is(err, database.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ApiResponse{Success: false, ErrorMessage: "File not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ApiResponse{Success: false, ErrorMessage: "Unable to delete file"})
		return
	}

	h.Hub.NotifyFileDeleted(user.ID, uint(fileId))

	writeJSON(w, http.StatusOK, ApiResponse{Success: true})
}
