package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/beatmon/pkg/types"
)

// fakeServer mimics the control plane routes the client calls.
func fakeServer(t *testing.T) (*httptest.Server, *http.Header) {
	t.Helper()
	var last http.Header
	mux := http.NewServeMux()

	auth := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			last = r.Header.Clone()
			if r.Header.Get("Auth") != "tok" {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "Token Invalid", "reason": "Unauthenticated"})
				return
			}
			h(w, r)
		}
	}

	mux.HandleFunc("POST /api/beat", auth(func(w http.ResponseWriter, r *http.Request) {
		accepted := r.Header.Get("Timestamp") != "1"
		w.Header().Set("X-Beat-Accepted", map[bool]string{true: "true", false: "false"}[accepted])
		json.NewEncoder(w).Encode(7)
	}))
	mux.HandleFunc("POST /api/update/stats", auth(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.Stats{TotalDevices: 2, TotalBeats: 9})
	}))
	mux.HandleFunc("POST /api/update/devices", auth(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.Device{DeviceName: r.Header.Get("Device"), State: types.DeviceStateOverdue})
	}))
	mux.HandleFunc("GET /api/devices", auth(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]types.Device{{DeviceName: "a"}, {DeviceName: "b"}})
	}))
	mux.HandleFunc("GET /api/devices/{name}", auth(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "pump house" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "device not found", "reason": "NotFound"})
			return
		}
		json.NewEncoder(w).Encode(types.Device{DeviceName: "pump house", TotalBeats: 3})
	}))
	mux.HandleFunc("GET /api/info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.Info{LastSeen: "never", TimeDifference: "GMT+0"})
	})
	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.Stats{TotalBeats: 9, TotalBeatsFormatted: "9"})
	})
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.ServiceHealth{Status: "healthy"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &last
}

func TestBeat(t *testing.T) {
	srv, last := fakeServer(t)
	c := NewClient(Config{BaseURL: srv.URL, AuthToken: "tok"})
	ctx := context.Background()

	res, err := c.Beat(ctx, "pump", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, &BeatResult{TotalBeats: 7, Accepted: true}, res)
	assert.Equal(t, "pump", last.Get("Device"))
	assert.Empty(t, last.Get("Timestamp"))
	assert.Equal(t, "beatmon-agent/1.0", last.Get("User-Agent"))

	at := time.UnixMilli(1_700_000_000_123)
	_, err = c.Beat(ctx, "pump", at)
	require.NoError(t, err)
	assert.Equal(t, "1700000000123", last.Get("Timestamp"))

	res, err = c.Beat(ctx, "pump", time.UnixMilli(1))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
}

func TestBeatUnauthorized(t *testing.T) {
	srv, _ := fakeServer(t)
	c := NewClient(Config{BaseURL: srv.URL, AuthToken: "wrong"})

	_, err := c.Beat(context.Background(), "pump", time.Time{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Unauthenticated", apiErr.Reason)
	assert.Equal(t, "Token Invalid", apiErr.Message)
}

func TestDevice(t *testing.T) {
	srv, _ := fakeServer(t)
	c := NewClient(Config{BaseURL: srv.URL, AuthToken: "tok"})
	ctx := context.Background()

	d, err := c.Device(ctx, "pump house")
	require.NoError(t, err)
	assert.Equal(t, int64(3), d.TotalBeats)

	_, err = c.Device(ctx, "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NotFound", apiErr.Reason)

	list, err := c.Devices(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	upd, err := c.UpdateDevice(ctx, "pump")
	require.NoError(t, err)
	assert.Equal(t, "pump", upd.DeviceName)
	assert.Equal(t, types.DeviceStateOverdue, upd.State)
}

func TestFleetEndpoints(t *testing.T) {
	srv, _ := fakeServer(t)
	c := NewClient(Config{BaseURL: srv.URL, AuthToken: "tok"})
	ctx := context.Background()

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "never", info.LastSeen)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "9", st.TotalBeatsFormatted)

	fresh, err := c.UpdateStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh.TotalDevices)

	require.NoError(t, c.Ping(ctx))
}

func TestReadErrorNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	err := c.Ping(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Contains(t, apiErr.Message, "bad gateway")
}
