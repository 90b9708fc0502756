package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_rooms/internal/models"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Ref
		wantErr bool
	}{
		{"video ref", "video:dQw4w9WgXcQ", Ref{Source: models.SourceVideo, ID: "dQw4w9WgXcQ"}, false},
		{"url ref", "url:https://example.com/stream.mp3", Ref{Source: models.SourceURL, ID: "https://example.com/stream.mp3"}, false},
		{"missing id", "video:", Ref{}, true},
		{"missing separator", "dQw4w9WgXcQ", Ref{}, true},
		{"unknown source", "spotify:abc", Ref{}, true},
		{"empty", "", Ref{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRef(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRef(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseRef(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestHTTPLookup_Resolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("source") != "video" || r.URL.Query().Get("ref") != "abc123" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title":"Test Song","author":"Test Artist","thumbnail_url":"https://img.test/t.jpg","duration_sec":212}`))
	}))
	defer srv.Close()

	lookup := NewHTTPLookup(srv.URL, time.Second, zerolog.Nop())
	meta, err := lookup.Resolve(context.Background(), Ref{Source: models.SourceVideo, ID: "abc123"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if meta.Title != "Test Song" || meta.Author != "Test Artist" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if meta.DurationSec == nil || *meta.DurationSec != 212 {
		t.Fatalf("expected duration 212, got %v", meta.DurationSec)
	}
}

func TestHTTPLookup_ResolveErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	lookup := NewHTTPLookup(srv.URL, time.Second, zerolog.Nop())
	if _, err := lookup.Resolve(context.Background(), Ref{Source: models.SourceVideo, ID: "abc"}); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

func TestResolveOrPlaceholder_DegradesToPlaceholder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	lookup := NewHTTPLookup(srv.URL, time.Second, zerolog.Nop())
	ref := Ref{Source: models.SourceVideo, ID: "abc123"}

	meta := ResolveOrPlaceholder(context.Background(), lookup, ref, zerolog.Nop())
	if meta.Title != "video:abc123" {
		t.Fatalf("expected placeholder title, got %q", meta.Title)
	}
	if meta.Author != "unknown" {
		t.Fatalf("expected placeholder author, got %q", meta.Author)
	}
}

func TestResolveOrPlaceholder_NilLookup(t *testing.T) {
	ref := Ref{Source: models.SourceURL, ID: "https://example.com/a.mp3"}
	meta := ResolveOrPlaceholder(context.Background(), nil, ref, zerolog.Nop())
	if meta.Title != ref.String() {
		t.Fatalf("expected placeholder title, got %q", meta.Title)
	}
}
