// Package mountexec implements the server-side mount dispatcher (spec
// §4.5): it branches on backup target type, fetches S3 credentials,
// spawns or reaps the FUSE helper, invokes the privileged NFS mount
// helper, and runs the unmount fallback chain for both target types.
package mountexec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dhiraj-trilio/trilio-dms/internal/config"
	"github.com/dhiraj-trilio/trilio-dms/internal/dmserrors"
	"github.com/dhiraj-trilio/trilio-dms/internal/logger"
	"github.com/dhiraj-trilio/trilio-dms/internal/registry"
	"github.com/dhiraj-trilio/trilio-dms/internal/secretclient"
	"github.com/dhiraj-trilio/trilio-dms/internal/telemetry"
	"github.com/dhiraj-trilio/trilio-dms/internal/transport"
)

// envVarMapping translates credential/config keys returned by the secret
// store into the environment variable names the FUSE helper expects.
// Ported from S3Driver.ENV_VAR_MAPPING; any key with no mapping is passed
// through verbatim, same as the original's fallback.
var envVarMapping = map[string]string{
	"access_key": "AWS_ACCESS_KEY_ID",
	"secret_key": "AWS_SECRET_ACCESS_KEY",
}

// Executor dispatches mount and unmount operations for one host.
type Executor struct {
	registry *registry.Registry
	secrets  *secretclient.Client
	cfg      config.MountConfig
}

// New creates an Executor backed by reg (the local FUSE process registry)
// and secrets (the external credential store client).
func New(reg *registry.Registry, secrets *secretclient.Client, cfg config.MountConfig) *Executor {
	return &Executor{registry: reg, secrets: secrets, cfg: cfg}
}

// Mount performs the server-side mount for req, branching on target type.
func (e *Executor) Mount(ctx context.Context, req *transport.MountRequest) (*transport.MountResponse, error) {
	target := req.BackupTarget
	mountPath := target.FilesystemExportMountPath

	ctx, span := telemetry.StartMountSpan(ctx, telemetry.SpanMountExecute, string(transport.ActionMount), target.ID, req.Host, req.Job.ID)
	defer span.End()

	if err := os.MkdirAll(mountPath, 0o755); err != nil {
		err = dmserrors.NewMountError(fmt.Sprintf("failed to create mount directory %s", mountPath), err)
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	var resp *transport.MountResponse
	var err error
	switch target.Type {
	case transport.TargetTypeS3:
		resp, err = e.mountS3(ctx, req)
	case transport.TargetTypeNFS:
		resp, err = e.mountNFS(ctx, req)
	default:
		err = dmserrors.NewValidationError(fmt.Sprintf("unsupported target type %q", target.Type))
	}
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	telemetry.SetAttributes(ctx, telemetry.TargetType(string(target.Type)), telemetry.MountPath(resp.MountPath))
	return resp, nil
}

// Unmount performs the server-side unmount for req.
func (e *Executor) Unmount(ctx context.Context, req *transport.MountRequest) (*transport.MountResponse, error) {
	target := req.BackupTarget
	mountPath := target.FilesystemExportMountPath

	ctx, span := telemetry.StartMountSpan(ctx, telemetry.SpanUnmountExecute, string(transport.ActionUnmount), target.ID, req.Host, req.Job.ID)
	defer span.End()

	switch target.Type {
	case transport.TargetTypeS3:
		if err := e.registry.Kill(ctx, target.ID, false); err != nil {
			logger.WarnCtx(ctx, "failed to kill FUSE helper before unmount",
				logger.Target(target.ID), logger.Err(err))
		}
	case transport.TargetTypeNFS:
		// no local process to stop; fall through to the umount fallback chain.
	default:
		err := dmserrors.NewValidationError(fmt.Sprintf("unsupported target type %q", target.Type))
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	if !registry.IsMountPoint(mountPath) {
		return transport.SuccessResponse("", "not mounted"), nil
	}

	if err := e.unmountWithFallback(ctx, mountPath); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	return transport.SuccessResponse("", "unmounted"), nil
}

// ReconcileUnmount forcibly clears an orphaned mount at mountPath: kills
// any tracked FUSE helper for targetID, then unmounts mountPath if the
// kernel still reports it as a mount point. A no-op if neither is true.
// Unlike Unmount, no MountRequest is available at reconciliation time — the
// target's type is not known, so this always attempts the registry kill
// (harmless if targetID has no tracked process) before falling back to the
// same umount chain.
func (e *Executor) ReconcileUnmount(ctx context.Context, targetID, mountPath string) error {
	if err := e.registry.Kill(ctx, targetID, false); err != nil {
		logger.WarnCtx(ctx, "reconciliation: failed to kill FUSE helper before unmount",
			logger.Target(targetID), logger.Err(err))
	}
	if !registry.IsMountPoint(mountPath) {
		return nil
	}
	return e.unmountWithFallback(ctx, mountPath)
}

func (e *Executor) mountS3(ctx context.Context, req *transport.MountRequest) (*transport.MountResponse, error) {
	target := req.BackupTarget
	mountPath := target.FilesystemExportMountPath

	if e.registry.IsRunning(target.ID) && registry.IsMountPoint(mountPath) {
		return transport.SuccessResponse(mountPath, "already mounted"), nil
	}

	payload, err := e.secrets.FetchPayload(ctx, target.SecretRef, req.Token)
	if err != nil {
		return nil, err
	}

	if e.cfg.S3ProbeBucket {
		if err := e.probeBucket(ctx, payload); err != nil {
			return nil, err
		}
	}

	env := buildFuseEnv(payload, mountPath)

	logger.DebugCtx(ctx, "FUSE helper environment", logger.Target(target.ID), "env", logger.Redact(envToMap(env)))

	logger.InfoCtx(ctx, "spawning FUSE helper for S3 target",
		logger.Target(target.ID), logger.MountPath(mountPath))

	rec, err := e.registry.Spawn(ctx, target.ID, mountPath, registry.SpawnOptions{
		TargetTyp:         string(transport.TargetTypeS3),
		BinaryPath:        e.cfg.FuseBinaryPath,
		Env:               env,
		ReadinessDeadline: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "S3 target mounted",
		logger.Target(target.ID), logger.PID(rec.PID), logger.MountPath(mountPath))
	return transport.SuccessResponse(mountPath, "mounted"), nil
}

// probeBucket verifies the fetched credentials can actually reach the
// target bucket before spawning the FUSE helper, so a credential problem
// surfaces as a SecretError mentioning the bucket rather than an opaque
// FUSE-readiness timeout. Gated by mount.s3_probe_bucket.
func (e *Executor) probeBucket(ctx context.Context, payload map[string]any) error {
	bucket, _ := payload["vault_s3_bucket"].(string)
	if bucket == "" {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout())
	defer cancel()

	client, err := s3ClientFromPayload(probeCtx, payload)
	if err != nil {
		return dmserrors.NewSecretError("failed to build S3 probe client", err)
	}

	if _, err := client.HeadBucket(probeCtx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return dmserrors.NewSecretError(fmt.Sprintf("bucket %s is not reachable with the fetched credentials", bucket), err)
	}
	return nil
}

func (e *Executor) probeTimeout() time.Duration {
	if e.cfg.S3ProbeTimeout > 0 {
		return e.cfg.S3ProbeTimeout
	}
	return 5 * time.Second
}

func s3ClientFromPayload(ctx context.Context, payload map[string]any) (*s3.Client, error) {
	region, _ := payload["vault_s3_region_name"].(string)
	if region == "" {
		region = "us-east-1"
	}
	accessKey, _ := payload["access_key"].(string)
	secretKey, _ := payload["secret_key"].(string)
	endpoint, _ := payload["vault_s3_endpoint_url"].(string)

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	if endpoint != "" {
		return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}), nil
	}
	return s3.NewFromConfig(awsCfg), nil
}

// buildFuseEnv composes the FUSE helper's environment from the fetched
// secret payload, the process's own environment, and the mount path —
// mirrors S3Driver._prepare_environment's precedence (inherited env,
// overlaid with mapped credential keys, overlaid with the database-sourced
// mount path so the two are always consistent).
func buildFuseEnv(payload map[string]any, mountPath string) []string {
	env := os.Environ()
	overrides := make(map[string]string, len(payload)+1)

	for key, value := range payload {
		str := fmt.Sprintf("%v", value)
		if str == "" {
			continue
		}
		if mapped, ok := envVarMapping[key]; ok {
			overrides[mapped] = str
		} else {
			overrides[key] = str
		}
	}
	overrides["vault_data_directory"] = mountPath

	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// envToMap splits a "KEY=VALUE" environment slice back into a map for
// logging. Entries without an "=" are dropped.
func envToMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m[k] = v
	}
	return m
}

func (e *Executor) mountNFS(ctx context.Context, req *transport.MountRequest) (*transport.MountResponse, error) {
	target := req.BackupTarget
	mountPath := target.FilesystemExportMountPath

	if registry.IsMountPoint(mountPath) {
		return transport.SuccessResponse(mountPath, "already mounted"), nil
	}

	opts := target.NFSMountOpts
	if opts == "" {
		opts = "defaults"
	}

	helper := e.cfg.PrivilegedMountHelperPath
	if helper == "" {
		helper = "mount"
	}
	args := []string{"-t", "nfs", "-o", opts, target.FilesystemExport, mountPath}
	if e.cfg.PrivilegedMountHelperConf != "" {
		args = append([]string{"-c", e.cfg.PrivilegedMountHelperConf}, args...)
	}

	logger.InfoCtx(ctx, "mounting NFS export",
		logger.Target(target.ID), logger.MountPath(mountPath))

	if out, err := runCommand(ctx, helper, args...); err != nil {
		return nil, dmserrors.NewMountError(fmt.Sprintf("mount command failed for %s: %s", target.FilesystemExport, out), err)
	}

	if !registry.IsMountPoint(mountPath) {
		return nil, dmserrors.NewMountError(fmt.Sprintf("mount command succeeded but %s is not a mount point", mountPath), nil)
	}

	return transport.SuccessResponse(mountPath, "mounted"), nil
}

// unmountWithFallback tries a plain umount first, then a lazy umount,
// resolving spec.md §9's open fallback-order question per drivers/nfs.py.
func (e *Executor) unmountWithFallback(ctx context.Context, mountPath string) error {
	if out, err := runCommand(ctx, "umount", mountPath); err == nil {
		return nil
	} else {
		logger.WarnCtx(ctx, "normal unmount failed, trying lazy unmount",
			logger.MountPath(mountPath), logger.Err(err))
		_ = out
	}

	if out, err := runCommand(ctx, "umount", "-l", mountPath); err != nil {
		return dmserrors.NewMountError(fmt.Sprintf("lazy unmount failed for %s: %s", mountPath, out), err)
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
