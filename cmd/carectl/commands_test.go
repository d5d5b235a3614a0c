package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riteshkumar/carewallet/internal/handler"
	"github.com/riteshkumar/carewallet/internal/models"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	root := newRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(append(args, "--config-dir", t.TempDir()))
	err := root.Execute()
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := run(t, "token", "d1", "doctor", "--ttl", "1h")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(out))
	caller, err := handler.NewAuthenticator("cli-secret", nil).Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, models.Caller{AccountID: "d1", Role: models.RoleDoctor}, caller)
}

func TestTokenCommand_Rejections(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	_, err := run(t, "token", "d1", "nurse")
	assert.ErrorContains(t, err, "unknown role")

	_, err = run(t, "token", "d1")
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "")
	_, err = run(t, "token", "d1", "doctor")
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestDataCommandsNeedPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	_, err := run(t, "balance", "p1")
	assert.ErrorContains(t, err, "STORE_DRIVER=postgres")

	_, err = run(t, "treasury", "fund", "100")
	assert.ErrorContains(t, err, "STORE_DRIVER=postgres")
}
