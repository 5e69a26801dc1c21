package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	require.Equal(t, "/v0", cfg.Server.BasePath)
	require.Equal(t, "settler", cfg.RBAC.SettlementRole)
	require.Equal(t, []string{"admin", "settler"}, cfg.RBAC.Grants["nlr"])
	require.Equal(t, 5*time.Minute, cfg.Missions.SweepInterval)
}

func TestPartialFileInheritsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("server:\n  addr: 0.0.0.0:9090\n"))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9090", cfg.Server.Addr)
	require.Equal(t, "/v0", cfg.Server.BasePath)
	require.Equal(t, 256, cfg.Auth.APIKeyCacheSize)
	require.Contains(t, cfg.RBAC.Roles, "member")
}

func TestSettlementPermissionMustBeExclusive(t *testing.T) {
	raw := `rbac:
  settlement_role: settler
  roles:
    settler:
      permissions: [payment.trigger]
    admin:
      permissions: [payment.trigger, job.create]
`
	_, err := FromYAML([]byte(raw))
	require.ErrorContains(t, err, "payment.trigger")
}

func TestGrantReferencingUnknownRoleFails(t *testing.T) {
	raw := `rbac:
  settlement_role: settler
  roles:
    settler:
      permissions: [payment.trigger]
  grants:
    nlr: [ghost]
`
	_, err := FromYAML([]byte(raw))
	require.ErrorContains(t, err, "unknown role ghost")
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)

	_, err = Load(dir)
	require.ErrorContains(t, err, "pl config init")

	require.NoError(t, os.WriteFile(Path(dir), []byte("logging:\n  level: debug\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
}
