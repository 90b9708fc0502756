/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package catalog resolves track references to display metadata. Lookups go
// to an external catalog service; failures degrade to placeholder metadata
// so a slow catalog never blocks a submission.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_rooms/internal/models"
	"github.com/friendsincode/bragi_rooms/internal/telemetry"
)

// Ref is a parsed track reference.
type Ref struct {
	Source models.SourceType
	ID     string
}

// String reassembles the wire form "source:id".
func (r Ref) String() string {
	return string(r.Source) + ":" + r.ID
}

// ParseRef parses a "source:id" reference string.
func ParseRef(raw string) (Ref, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Ref{}, fmt.Errorf("malformed track reference %q", raw)
	}

	source := models.SourceType(parts[0])
	switch source {
	case models.SourceVideo, models.SourceURL:
		return Ref{Source: source, ID: parts[1]}, nil
	default:
		return Ref{}, fmt.Errorf("unknown track source %q", parts[0])
	}
}

// Metadata is the display information for a resolved reference.
type Metadata struct {
	Title        string `json:"title"`
	Author       string `json:"author"`
	ThumbnailURL string `json:"thumbnail_url"`
	DurationSec  *int   `json:"duration_sec,omitempty"`
}

// Lookup resolves a reference to metadata.
type Lookup interface {
	Resolve(ctx context.Context, ref Ref) (Metadata, error)
}

// Placeholder returns degraded metadata built from the reference itself.
func Placeholder(ref Ref) Metadata {
	return Metadata{
		Title:  ref.String(),
		Author: "unknown",
	}
}

// HTTPLookup resolves references against a catalog HTTP service.
type HTTPLookup struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPLookup creates a catalog client.
func NewHTTPLookup(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPLookup {
	return &HTTPLookup{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "catalog").Logger(),
	}
}

// Resolve fetches metadata for the reference.
func (l *HTTPLookup) Resolve(ctx context.Context, ref Ref) (Metadata, error) {
	start := time.Now()
	defer func() {
		telemetry.CatalogLookupDuration.Observe(time.Since(start).Seconds())
	}()

	u, err := url.Parse(l.baseURL + "/lookup")
	if err != nil {
		return Metadata{}, fmt.Errorf("catalog base url: %w", err)
	}
	q := u.Query()
	q.Set("source", string(ref.Source))
	q.Set("ref", ref.ID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Metadata{}, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Metadata{}, fmt.Errorf("catalog lookup status %d", resp.StatusCode)
	}

	var meta Metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return Metadata{}, err
	}
	if meta.Title == "" {
		return Metadata{}, fmt.Errorf("catalog returned empty title for %s", ref)
	}

	return meta, nil
}

// ResolveOrPlaceholder resolves the reference, substituting placeholder
// metadata when the catalog is unavailable.
func ResolveOrPlaceholder(ctx context.Context, lookup Lookup, ref Ref, logger zerolog.Logger) Metadata {
	if lookup == nil {
		telemetry.CatalogLookupsTotal.WithLabelValues("placeholder").Inc()
		return Placeholder(ref)
	}

	meta, err := lookup.Resolve(ctx, ref)
	if err != nil {
		logger.Warn().Err(err).Str("ref", ref.String()).Msg("catalog lookup failed, using placeholder metadata")
		telemetry.CatalogLookupsTotal.WithLabelValues("placeholder").Inc()
		return Placeholder(ref)
	}

	telemetry.CatalogLookupsTotal.WithLabelValues("ok").Inc()
	return meta
}
