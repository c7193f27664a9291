package filesystem

import (
	"chatroom-server/core"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

type fileStore struct {
	basePath string
	baseURL  string
}

// NewFileStore keeps uploads under basePath. Returned URLs are baseURL joined
// with the generated key; the router serves basePath at that URL.
func NewFileStore(basePath, baseURL string) core.FileStore {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Fatalf("failed to create base directory: %v", err)
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &fileStore{basePath: basePath, baseURL: baseURL}
}

func (s *fileStore) Save(ctx context.Context, name, contentType string, body io.Reader) (*core.File, error) {
	key := core.FileKey(name)
	filePath := filepath.Join(s.basePath, key)
	log := logrus.WithFields(logrus.Fields{
		"file_name": name,
		"file_path": filePath,
	})
	log.Debug("Saving upload")

	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		log.WithError(err).Error("Failed to create file")
		return nil, err
	}
	written, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.WithError(err).Error("Failed to write file")
		_ = os.Remove(filePath)
		return nil, err
	}

	log.WithField("size", written).Info("Upload saved")
	return &core.File{Name: name, URL: s.baseURL + key}, nil
}
