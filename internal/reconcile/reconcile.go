// Package reconcile implements the startup mount-state reconciliation
// sweep (spec §4 supplement): for every backup target this host has a
// non-deleted ledger binding for, compare the ledger's active reference
// count against the kernel's actual mount state and converge drift. The Go
// counterpart of ReconciliationService.reconcile_on_startup.
package reconcile

import (
	"context"

	"github.com/dhiraj-trilio/trilio-dms/internal/ledger"
	"github.com/dhiraj-trilio/trilio-dms/internal/logger"
	"github.com/dhiraj-trilio/trilio-dms/internal/mountexec"
	"github.com/dhiraj-trilio/trilio-dms/internal/registry"
	"github.com/dhiraj-trilio/trilio-dms/internal/telemetry"
)

// Sweeper owns one reconciliation pass for one host.
type Sweeper struct {
	store    ledger.Store
	executor *mountexec.Executor
	host     string
}

// New creates a Sweeper over store, dispatching physical unmounts of
// orphaned targets through executor, scoped to host.
func New(store ledger.Store, executor *mountexec.Executor, host string) *Sweeper {
	return &Sweeper{store: store, executor: executor, host: host}
}

// Run walks every non-deleted ledger binding for this host and converges
// each target's mounted state against the kernel. Failure to reconcile one
// target is logged and does not abort the sweep over the rest, matching
// reconcile_on_startup's per-target try/except.
func (s *Sweeper) Run(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanReconcileSweep)
	defer span.End()

	entries, err := s.store.ListLiveForHost(ctx, s.host)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}

	targets := mountPathsByTarget(entries)
	logger.InfoCtx(ctx, "starting mount reconciliation", "host", s.host, "targets", len(targets))

	for targetID, mountPath := range targets {
		if err := s.reconcileTarget(ctx, targetID, mountPath); err != nil {
			logger.ErrorCtx(ctx, "reconciliation: failed to reconcile target",
				logger.Target(targetID), logger.Err(err))
		}
	}

	logger.InfoCtx(ctx, "mount reconciliation complete", "host", s.host)
	return nil
}

// reconcileTarget converges one target's ledger state against the kernel,
// the Go counterpart of _reconcile_target. DMS's ledger has no separate job
// table with STARTING/RUNNING status, so CountActive's live mounted=true
// row count stands in for the original's active_count (both measure the
// same thing: how many holders currently believe the target is mounted).
func (s *Sweeper) reconcileTarget(ctx context.Context, targetID, mountPath string) error {
	if mountPath == "" {
		return nil
	}

	activeCount, err := s.store.CountActive(ctx, targetID, s.host)
	if err != nil {
		return err
	}
	isMounted := registry.IsMountPoint(mountPath)

	logger.InfoCtx(ctx, "reconciling target",
		logger.Target(targetID), logger.MountPath(mountPath), "active_count", activeCount, "is_mounted", isMounted)

	switch {
	case activeCount > 0 && !isMounted:
		// Holders believe this target is mounted but the kernel disagrees.
		// Cannot remount here: no token is available outside an active
		// mount request. Mark drift so the next mount/unmount call through
		// the coordinator rediscovers the truth instead of trusting a
		// stale mounted=true.
		n, err := s.store.SetMountedForTarget(ctx, targetID, s.host, false)
		if err != nil {
			return err
		}
		logger.WarnCtx(ctx, "target has active references but is not mounted, marked drifted",
			logger.Target(targetID), "rows", n)

	case activeCount == 0 && isMounted:
		logger.InfoCtx(ctx, "unmounting orphaned target with no active references", logger.Target(targetID))
		if err := s.executor.ReconcileUnmount(ctx, targetID, mountPath); err != nil {
			return err
		}
		if _, err := s.store.SetMountedForTarget(ctx, targetID, s.host, false); err != nil {
			return err
		}

	case isMounted:
		n, err := s.store.SetMountedForTarget(ctx, targetID, s.host, true)
		if err != nil {
			return err
		}
		logger.InfoCtx(ctx, "adopted existing mount", logger.Target(targetID), "rows", n)

	default:
		// Not mounted, no active references: consistent state, nothing to do.
	}
	return nil
}

// mountPathsByTarget collapses entries to one mount path per distinct
// target, the Go equivalent of the original's
// `.distinct()` query over backup_target_id.
func mountPathsByTarget(entries []*ledger.Entry) map[string]string {
	targets := make(map[string]string)
	for _, e := range entries {
		if _, ok := targets[e.BackupTargetID]; ok {
			continue
		}
		if e.MountPath != nil && *e.MountPath != "" {
			targets[e.BackupTargetID] = *e.MountPath
		}
	}
	return targets
}
