package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerifyCachesProfile(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"agent":{"id":"agent-1","name":"Grib","karma":12}}`))
	}))
	defer upstream.Close()

	client, err := NewClient(Config{BaseURL: upstream.URL})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		profile, err := client.Verify(ctx, "tok-1")
		require.NoError(t, err)
		require.Equal(t, "agent-1", profile.ID)
		require.Equal(t, "Grib", profile.Name)
	}
	require.EqualValues(t, 1, calls.Load(), "cached verifications must not hit upstream")
}

func TestVerifyCacheExpires(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"success":true,"agent":{"id":"agent-1","name":"Grib"}}`))
	}))
	defer upstream.Close()

	client, err := NewClient(Config{BaseURL: upstream.URL, CacheTTL: time.Minute})
	require.NoError(t, err)
	current := time.Unix(1_700_000_000, 0)
	client.now = func() time.Time { return current }
	ctx := context.Background()

	_, err = client.Verify(ctx, "tok-1")
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)
	_, err = client.Verify(ctx, "tok-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestVerifyRejections(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer bad":
			w.WriteHeader(http.StatusUnauthorized)
		case "Bearer flaky":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Write([]byte(`{"success":false}`))
		}
	}))
	defer upstream.Close()

	client, err := NewClient(Config{BaseURL: upstream.URL})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Verify(ctx, "bad")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = client.Verify(ctx, "flaky")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnauthorized, "upstream failures must not read as auth rejections")

	_, err = client.Verify(ctx, "unverified")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = client.Verify(ctx, "")
	require.ErrorIs(t, err, ErrUnauthorized)
}
