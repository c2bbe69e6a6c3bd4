package bundle

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestBundleServer(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "foo.bundle"), []byte(`{"hello":"world"}`), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	srv := NewServer(NewFileStore(dir))
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"existing bundle", "/foo.bundle", http.StatusOK},
		{"wrong suffix", "/foo.js", http.StatusNotFound},
		{"missing bundle", "/bar.bundle", http.StatusNotFound},
		{"path traversal", "/../escape.bundle", http.StatusNotFound},
		{"nested path", "/sub/foo.bundle", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("GET %s: status = %d, want %d", tt.path, resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestBundleNameValidation(t *testing.T) {
	tests := []struct {
		path     string
		wantName string
		wantOK   bool
	}{
		{"/foo.bundle", "foo", true},
		{"/foo.js", "", false},
		{"/.bundle", "", false},
		{"/a/b.bundle", "", false},
		{"/../escape.bundle", "", false},
		{"no-leading-slash.bundle", "", false},
	}
	for _, tt := range tests {
		name, ok := bundleName(tt.path)
		if ok != tt.wantOK || name != tt.wantName {
			t.Errorf("bundleName(%q) = (%q, %v), want (%q, %v)", tt.path, name, ok, tt.wantName, tt.wantOK)
		}
	}
}
