package storage

import (
	"strings"
	"testing"
)

func TestTransformString(t *testing.T) {
	tests := []struct {
		name string
		t    *Transform
		want string
	}{
		{"nil", nil, ""},
		{"avatar", AvatarTransform, "w_300,h_300,c_thumb,g_face"},
		{"product", ProductTransform, "w_1280,h_720,c_fill"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.t.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestObjectKey(t *testing.T) {
	key := objectKey("/avatars/", "image/png")
	if !strings.HasPrefix(key, "avatars/") {
		t.Errorf("key %q should live under avatars/", key)
	}
	if !strings.HasSuffix(key, ".png") {
		t.Errorf("key %q should keep the .png extension", key)
	}
	if objectKey("avatars", "image/png") == key {
		t.Error("keys should be unique")
	}
}

func TestPublicURL(t *testing.T) {
	tests := []struct {
		base   string
		useSSL bool
		want   string
	}{
		{"localhost:9000", false, "http://localhost:9000/bucket/avatars/a.png"},
		{"cdn.example.com", true, "https://cdn.example.com/bucket/avatars/a.png"},
		{"https://cdn.example.com/", false, "https://cdn.example.com/bucket/avatars/a.png"},
	}
	for _, tt := range tests {
		if got := publicURL(tt.base, "bucket", "avatars/a.png", tt.useSSL); got != tt.want {
			t.Errorf("publicURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestNewS3Store_PathStyleForCustomEndpoint(t *testing.T) {
	s, err := NewS3Store(&Config{Endpoint: "localhost:9000", Bucket: "b", Region: "us-east-1"})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	if s.publicURL != "http://localhost:9000" {
		t.Errorf("publicURL = %q", s.publicURL)
	}
	if !s.client.Options().UsePathStyle {
		t.Error("custom endpoints need path-style addressing")
	}
}
