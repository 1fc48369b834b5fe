package storage

import (
	"context"
	"testing"
)

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"manifests/m1/final.mp4", "manifests/m1/final.mp4", false},
		{"/manifests/m1/a.png", "manifests/m1/a.png", false},
		{"./manifests//m1/../m1/a.png", "manifests/m1/a.png", false},
		{`manifests\m1\a.png`, "manifests/m1/a.png", false},
		{"../etc/passwd", "", true},
		{"  ", "", true},
		{".", "", true},
	}
	for _, tt := range tests {
		got, err := sanitizeKey(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("sanitizeKey(%q) expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("sanitizeKey(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestWriteReadExists(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	key, err := store.Write(ctx, "/manifests/m1/scenes/s1/asset-01.png", []byte("png"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if key != "manifests/m1/scenes/s1/asset-01.png" {
		t.Fatalf("unexpected key %q", key)
	}
	data, err := store.Read(ctx, key)
	if err != nil || string(data) != "png" {
		t.Fatalf("read = %q, %v", data, err)
	}
	ok, err := store.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
	ok, err = store.Exists(ctx, "manifests/m1/missing.png")
	if err != nil || ok {
		t.Fatalf("missing key: exists = %v, %v", ok, err)
	}
}
