package authflow_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/authflow"
	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/config"
	"github.com/layer-3/authflow/resolver"
)

func TestNewInMemory(t *testing.T) {
	ctx := context.Background()
	app, err := authflow.New(ctx, &config.Config{ProductName: "Narratives", EventsTopic: "test.events"}, nil)
	require.NoError(t, err)
	defer app.Close()

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	client := app.Service()
	sess, err := client.StartSession(ctx, "app@example.com", core.SessionMetadata{Provider: core.ProviderCredentials})
	require.NoError(t, err)

	res, err := client.SignIn(ctx, sess.ID, resolver.CredentialsProof{Email: "app@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, res.Created)

	grant, err := client.ValidateAccessToken(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "app@example.com", grant.Email)
}

func TestNewRejectsBadRedisURL(t *testing.T) {
	_, err := authflow.New(context.Background(), &config.Config{RedisURL: "not-a-url"}, nil)
	assert.Error(t, err)
}
