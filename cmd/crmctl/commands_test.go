package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/boddenberg/crm-bfa-go/internal/app"
	"github.com/boddenberg/crm-bfa-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "crmctl version "+Version)
}

func TestToken_VerifiesWithConfiguredSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jwt_secret: cli-secret\njwt_issuer: crm-tests\n"), 0o600))

	out, err := run(t, "--config", path, "token", "sara@acme.com", "--sub", "s1")
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.JWTSecret = "cli-secret"
	cfg.JWTIssuer = "crm-tests"
	principal, err := app.TokenVerifier(cfg).Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "sara@acme.com", principal.Email)
	assert.Equal(t, "s1", principal.Subject)
}

func TestResolve_UnknownEmail(t *testing.T) {
	_, err := run(t, "resolve", "ghost@nowhere.com")
	assert.Error(t, err)
}

func TestScope_DefaultAdminPolicy(t *testing.T) {
	t.Setenv("UNRESOLVED_PROFILE_POLICY", "default_admin")
	out, err := run(t, "scope", "ghost@nowhere.com")
	require.NoError(t, err)
	assert.Contains(t, out, `"permissions"`)
}

func TestConvert_RequiresActor(t *testing.T) {
	_, err := run(t, "convert", "acme", "p1")
	assert.Error(t, err)
}

func TestMigrate_NeedsDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := run(t, "migrate", "up")
	assert.ErrorContains(t, err, "DATABASE_URL")
}
