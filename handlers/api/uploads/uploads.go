package uploads

import (
	"chatroom-server/core"
	"chatroom-server/middleware"
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// MaxUploadSize caps the request body of an upload.
const MaxUploadSize = 32 << 20

type UploadResponse struct {
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
}

// HandleUpload stores the multipart field "file" and answers with the
// reference clients put into a file_message event.
func HandleUpload(store core.FileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logrus.WithField("username", middleware.Username(r.Context()))

		r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				log.WithField("limit", tooLarge.Limit).Warn("Upload too large")
				http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
				return
			}
			log.WithField("error", err).Warn("Upload without file")
			http.Error(w, "Missing file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		saved, err := store.Save(r.Context(), header.Filename, header.Header.Get("Content-Type"), file)
		if err != nil {
			log.WithField("error", err).Error("Failed to save upload")
			http.Error(w, "Failed to save", http.StatusInternalServerError)
			return
		}

		log.WithFields(logrus.Fields{
			"file_name": saved.Name,
			"file_url":  saved.URL,
		}).Info("File uploaded")
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, UploadResponse{FileName: saved.Name, FileURL: saved.URL})
	}
}
