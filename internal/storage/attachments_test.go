package storage

import (
	"bytes"
	"errors"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fileHeader(t *testing.T, name string, content []byte) *multipart.FileHeader {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("attachment", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	w.Close()

	req := httptest.NewRequest("POST", "/", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if err := req.ParseMultipartForm(32 << 20); err != nil {
		t.Fatalf("parse multipart: %v", err)
	}
	return req.MultipartForm.File["attachment"][0]
}

func TestSave_TextFile(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	ref, err := store.Save(fileHeader(t, "note.txt", []byte("hello attachment")))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !strings.HasPrefix(ref, "/uploads/") {
		t.Errorf("Save() ref = %q, want /uploads/ prefix", ref)
	}

	// The stored file must exist under the random name from the ref.
	name := strings.TrimPrefix(ref, "/uploads/")
	data, err := os.ReadFile(filepath.Join(store.Dir(), name))
	if err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	if string(data) != "hello attachment" {
		t.Errorf("stored content = %q, want original bytes", data)
	}
}

func TestSave_PNGExtensionFromContent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	// Minimal PNG signature; the extension must come from sniffing, not the filename.
	png := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 16)...)
	ref, err := store.Save(fileHeader(t, "disguised.exe", png))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !strings.HasSuffix(ref, ".png") {
		t.Errorf("Save() ref = %q, want .png extension from content sniffing", ref)
	}
}

func TestSave_RejectsUnsupportedType(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	// ELF binary magic → not an allowed attachment type.
	elf := append([]byte{0x7F, 'E', 'L', 'F'}, make([]byte, 16)...)
	if _, err := store.Save(fileHeader(t, "payload.bin", elf)); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("Save() error = %v, want ErrUnsupportedType", err)
	}
}
