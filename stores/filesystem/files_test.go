package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestNewFileStore_CreatesDirectory(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "nested", "path", "media")
	store := NewFileStore(tempDir, "/media/")

	if store == nil {
		t.Fatal("NewFileStore() returned nil")
	}

	// Verify nested directory was created
	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("NewFileStore() did not create nested directory structure")
	}
}

func TestSave_Success(t *testing.T) {
	tempDir := t.TempDir()
	store := NewFileStore(tempDir, "/media")
	ctx := context.Background()

	file, err := store.Save(ctx, "cat picture.png", "image/png", strings.NewReader("meow"))
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	if file.Name != "cat picture.png" {
		t.Errorf("Save() name = %q, want original name", file.Name)
	}
	if !strings.HasPrefix(file.URL, "/media/") || !strings.HasSuffix(file.URL, "-cat_picture.png") {
		t.Errorf("Save() URL = %q", file.URL)
	}

	// Verify file exists on disk
	key := strings.TrimPrefix(file.URL, "/media/")
	data, err := os.ReadFile(filepath.Join(tempDir, key))
	if err != nil {
		t.Fatalf("Failed to read saved file: %v", err)
	}
	if string(data) != "meow" {
		t.Errorf("Data mismatch: got %q, want %q", string(data), "meow")
	}
}

func TestSave_PathTraversal(t *testing.T) {
	tempDir := t.TempDir()
	store := NewFileStore(tempDir, "/media/")

	file, err := store.Save(context.Background(), "../../escape.txt", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), "-escape.txt") {
		t.Errorf("unexpected directory contents: %v (url %s)", entries, file.URL)
	}
}

func TestSave_ConcurrentSameName(t *testing.T) {
	tempDir := t.TempDir()
	store := NewFileStore(tempDir, "/media/")
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		urls = make(map[string]bool)
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			file, err := store.Save(ctx, "same.txt", "text/plain", strings.NewReader("data"))
			if err != nil {
				t.Errorf("Save() failed: %v", err)
				return
			}
			mu.Lock()
			urls[file.URL] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(urls) != 10 {
		t.Errorf("got %d distinct URLs, want 10", len(urls))
	}
}
