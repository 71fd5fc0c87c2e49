package httppublisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

func TestPublishPostsJSON(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/process", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"listing-77","status":"queued"}`))
	}))
	defer srv.Close()

	pub, err := New(Config{URL: srv.URL + "/process"}, srv.Client())
	require.NoError(t, err)

	id, err := pub.Publish(context.Background(), harvest.HarvestedRecord{
		ExternalID: "A-1",
		SourceURL:  "https://pvp.example.it/x",
		Source:     "pvp",
		Page:       2,
		ScrapedAt:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, "listing-77", id)
	require.Equal(t, "A-1", got["external_id"])
	require.Equal(t, "https://pvp.example.it/x", got["source_url"])
	require.Equal(t, "pvp", got["source"])
}

func TestPublishMatchesIngestionContract(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pub, err := New(Config{URL: srv.URL}, srv.Client())
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), harvest.HarvestedRecord{
		ExternalID: "123",
		SourceURL:  "https://pvp.example.it/lot/123",
		Fields: map[string]string{
			harvest.FieldCity:      "Roma",
			harvest.FieldPriceText: "100.000 EUR",
			"lot_type":             "immobile",
		},
	})
	require.NoError(t, err)

	title, ok := got["title"]
	require.True(t, ok, "title is required downstream even when empty")
	require.Equal(t, "", title)
	require.Equal(t, "123", got["external_id"])
	require.Equal(t, "https://pvp.example.it/lot/123", got["source_url"])
	require.Equal(t, "Roma", got["city"])
	require.Equal(t, "100.000 EUR", got["price_text"])
	require.NotContains(t, got, "url")
	require.Equal(t, map[string]any{"lot_type": "immobile"}, got["fields"])
}

func TestPublishFailsOnTruncatedAck(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 64\r\n\r\n{\"id\":")
		_ = buf.Flush()
	}))
	defer srv.Close()

	pub, err := New(Config{URL: srv.URL}, srv.Client())
	require.NoError(t, err)
	id, err := pub.Publish(context.Background(), harvest.HarvestedRecord{ExternalID: "E-5"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "read response for E-5")
	require.Empty(t, id)
}

func TestPublishFallsBackToExternalID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	pub, err := New(Config{URL: srv.URL}, nil)
	require.NoError(t, err)
	id, err := pub.Publish(context.Background(), harvest.HarvestedRecord{ExternalID: "B-2"})
	require.NoError(t, err)
	require.Equal(t, "B-2", id)
}

func TestPublishNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	pub, err := New(Config{URL: srv.URL}, srv.Client())
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), harvest.HarvestedRecord{ExternalID: "C-3"})

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	require.Contains(t, statusErr.Error(), "model not loaded")
}

func TestPublishHonoursDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	pub, err := New(Config{URL: srv.URL}, srv.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pub.Publish(ctx, harvest.HarvestedRecord{ExternalID: "D-4"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
}
