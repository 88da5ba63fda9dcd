package mountexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhiraj-trilio/trilio-dms/internal/config"
	"github.com/dhiraj-trilio/trilio-dms/internal/logger"
	"github.com/dhiraj-trilio/trilio-dms/internal/registry"
	"github.com/dhiraj-trilio/trilio-dms/internal/secretclient"
	"github.com/dhiraj-trilio/trilio-dms/internal/transport"
)

func newExecutor(t *testing.T, cfg config.MountConfig) *Executor {
	t.Helper()
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)
	return New(reg, secretclient.New(), cfg)
}

func TestBuildFuseEnvMapsKnownCredentialKeysAndOverridesDataDirectory(t *testing.T) {
	payload := map[string]any{
		"access_key":           "AKIA...",
		"secret_key":           "shh",
		"vault_data_directory": "/ignored/by/caller",
	}

	env := buildFuseEnv(payload, "/mnt/target-A")

	assertEnvContains(t, env, "AWS_ACCESS_KEY_ID=AKIA...")
	assertEnvContains(t, env, "AWS_SECRET_ACCESS_KEY=shh")
	assertEnvContains(t, env, "vault_data_directory=/mnt/target-A")
}

func TestBuildFuseEnvPassesThroughUnmappedKeys(t *testing.T) {
	env := buildFuseEnv(map[string]any{"vault_s3_bucket": "my-bucket"}, "/mnt/target-A")
	assertEnvContains(t, env, "vault_s3_bucket=my-bucket")
}

func TestBuildFuseEnvSkipsEmptyValues(t *testing.T) {
	env := buildFuseEnv(map[string]any{"access_key": ""}, "/mnt/target-A")
	for _, kv := range env {
		assert.NotEqual(t, "AWS_ACCESS_KEY_ID=", kv)
	}
}

func TestEnvToMapRoundTripsBuildFuseEnvAndRedactsSecrets(t *testing.T) {
	env := buildFuseEnv(map[string]any{
		"access_key": "AKIA...",
		"secret_key": "shh",
	}, "/mnt/target-A")

	m := envToMap(env)
	require.Equal(t, "AKIA...", m["AWS_ACCESS_KEY_ID"])
	require.Equal(t, "shh", m["AWS_SECRET_ACCESS_KEY"])

	redacted := logger.Redact(m)
	assert.Equal(t, "****", redacted["AWS_ACCESS_KEY_ID"])
	assert.Equal(t, "****", redacted["AWS_SECRET_ACCESS_KEY"])
	assert.Equal(t, "/mnt/target-A", redacted["vault_data_directory"])
}

func assertEnvContains(t *testing.T, env []string, want string) {
	t.Helper()
	for _, kv := range env {
		if kv == want {
			return
		}
	}
	t.Fatalf("environment %v does not contain %q", env, want)
}

func TestMountRejectsUnsupportedTargetType(t *testing.T) {
	e := newExecutor(t, config.MountConfig{})

	req := &transport.MountRequest{
		Action: transport.ActionMount,
		BackupTarget: transport.BackupTarget{
			ID:                        "tgt-X",
			Type:                      "unknown",
			FilesystemExportMountPath: t.TempDir(),
		},
	}

	_, err := e.Mount(context.Background(), req)
	assert.Error(t, err)
}

func TestUnmountOfNotMountedPathIsIdempotent(t *testing.T) {
	e := newExecutor(t, config.MountConfig{})

	req := &transport.MountRequest{
		Action: transport.ActionUnmount,
		BackupTarget: transport.BackupTarget{
			ID:                        "tgt-Y",
			Type:                      transport.TargetTypeNFS,
			FilesystemExportMountPath: t.TempDir(),
		},
	}

	resp, err := e.Unmount(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, transport.StatusSuccess, resp.Status)
	assert.Equal(t, "not mounted", resp.SuccessMsg)
}

func TestMountNFSFailsWhenHelperBinaryMissing(t *testing.T) {
	e := newExecutor(t, config.MountConfig{PrivilegedMountHelperPath: "/no/such/mount/helper"})

	req := &transport.MountRequest{
		Action: transport.ActionMount,
		BackupTarget: transport.BackupTarget{
			ID:                        "tgt-Z",
			Type:                      transport.TargetTypeNFS,
			FilesystemExport:          "nfs-server:/export",
			FilesystemExportMountPath: t.TempDir(),
		},
	}

	_, err := e.Mount(context.Background(), req)
	assert.Error(t, err)
}
