package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/config"
	"github.com/hadijannat/aas-uns-bridge/errors"
)

func clientFor(srv *httptest.Server) *Client {
	return New(config.RepoClientConfig{
		Enabled:             true,
		BaseURL:             srv.URL,
		PollIntervalSeconds: 60,
		TimeoutSeconds:      2,
		AuthToken:           "secret-token",
	}, nil)
}

func TestFetchEnvironment(t *testing.T) {
	env := aas.Environment{
		Shells: []aas.AdministrationShell{{ID: "shell1", GlobalAssetID: "https://example.com/a/1"}},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/shells/environment", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(env)
	}))
	defer srv.Close()

	got, err := clientFor(srv).FetchEnvironment(context.Background())
	require.NoError(t, err)
	require.Len(t, got.Shells, 1)
	assert.Equal(t, "https://example.com/a/1", got.Shells[0].GlobalAssetID)
}

func TestFetchEnvironmentServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := clientFor(srv).FetchEnvironment(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestUpdateProperty(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		gotPath = r.URL.Path
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := clientFor(srv).UpdateProperty(context.Background(), "sm-setpoints", "Limits.MaxTemp", aas.Float(75.5))
	require.NoError(t, err)
	assert.Contains(t, gotPath, "sm-setpoints")
	assert.Contains(t, gotPath, "$value")
	assert.Equal(t, "75.5", gotBody)
}

func TestUpdatePropertyFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	err := clientFor(srv).UpdateProperty(context.Background(), "sm", "X", aas.Int(1))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
