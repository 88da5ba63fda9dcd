// Package coordinator implements the mount coordinator (spec §4.6): the
// single entry point callers use to mount and unmount backup targets. It
// wires the host lock, the durable ledger, and the RPC transport together
// into the reference-counted mount/unmount decision.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dhiraj-trilio/trilio-dms/internal/dmserrors"
	"github.com/dhiraj-trilio/trilio-dms/internal/ledger"
	"github.com/dhiraj-trilio/trilio-dms/internal/lockgate"
	"github.com/dhiraj-trilio/trilio-dms/internal/logger"
	"github.com/dhiraj-trilio/trilio-dms/internal/metrics"
	"github.com/dhiraj-trilio/trilio-dms/internal/telemetry"
	"github.com/dhiraj-trilio/trilio-dms/internal/transport"
)

// Caller is the RPC transport the coordinator dispatches mount/unmount
// requests through. Satisfied by *transport.Client; an interface so tests
// can substitute a fake without a broker.
type Caller interface {
	Call(ctx context.Context, host string, req *transport.MountRequest, timeout time.Duration) (*transport.MountResponse, error)
}

// UnmountResult is the outcome of a coordinator Unmount call (spec §4.6):
// distinct from the wire-level MountResponse because unmount carries the
// reference-counting outcome (whether a physical unmount actually
// happened, and how many bindings remain) rather than just success/error.
type UnmountResult struct {
	Status              transport.Status `json:"status"`
	PhysicallyUnmounted bool             `json:"physically_unmounted"`
	Remaining           int64            `json:"remaining"`
	Message             string           `json:"message"`
}

// Coordinator is the mount coordinator. One instance is shared by every
// caller in the hosting process; the host lock inside it serializes all
// mount/unmount decisions for this host, regardless of how many goroutines
// call through the same Coordinator concurrently.
type Coordinator struct {
	lock        *lockgate.Gate
	lockTimeout time.Duration
	store       ledger.Store
	client      Caller
	rpcTimeout  time.Duration

	mountMetrics *metrics.MountMetrics
	lockMetrics  *metrics.LockMetrics
}

// New creates a Coordinator over the given lock gate, ledger store, and RPC
// client.
func New(lock *lockgate.Gate, lockTimeout time.Duration, store ledger.Store, client Caller, rpcTimeout time.Duration) *Coordinator {
	return &Coordinator{
		lock:         lock,
		lockTimeout:  lockTimeout,
		store:        store,
		client:       client,
		rpcTimeout:   rpcTimeout,
		mountMetrics: metrics.NewMountMetrics(),
		lockMetrics:  metrics.NewLockMetrics(),
	}
}

func keyFor(req *transport.MountRequest) ledger.Key {
	return ledger.Key{JobID: req.Job.ID, BackupTargetID: req.BackupTarget.ID, Host: req.Host}
}

// withLock acquires the host lock, runs fn, and releases the lock on every
// exit path before returning fn's result.
func (c *Coordinator) withLock(ctx context.Context, fn func() error) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanLockAcquire)
	defer span.End()

	waitStart := time.Now()
	token, err := c.lock.Acquire(ctx, c.lockTimeout)
	if err != nil {
		if dmserrors.IsLockTimeout(err) {
			c.lockMetrics.RecordTimeout(string(lockgate.DefaultKey))
		}
		telemetry.RecordError(ctx, err)
		return err
	}
	c.lockMetrics.ObserveWait(string(lockgate.DefaultKey), time.Since(waitStart))
	defer func() {
		if relErr := c.lock.Release(token); relErr != nil {
			logger.ErrorCtx(ctx, "failed to release host lock", logger.Err(relErr))
		}
	}()

	return fn()
}

// Mount performs a mount request: record pending, call the target host's
// server, and record the outcome. Serialized per host by the lock gate.
func (c *Coordinator) Mount(ctx context.Context, req *transport.MountRequest) (*transport.MountResponse, error) {
	start := time.Now()
	key := keyFor(req)

	ctx, span := telemetry.StartMountSpan(ctx, telemetry.SpanCoordinatorMount, string(transport.ActionMount), req.BackupTarget.ID, req.Host, req.Job.ID)
	defer span.End()

	lc := logger.NewLogContext(string(transport.ActionMount), req.BackupTarget.ID, req.Host).
		WithJob(req.Job.ID).
		WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	ctx = logger.WithContext(ctx, lc)

	var resp *transport.MountResponse
	err := c.withLock(ctx, func() error {
		if err := req.Validate(); err != nil {
			return err
		}
		requestBlob, _ := json.Marshal(req)
		if _, err := c.store.UpsertPending(ctx, key, string(requestBlob)); err != nil {
			return err
		}

		var callErr error
		resp, callErr = c.client.Call(ctx, req.Host, req, c.rpcTimeout)
		if callErr != nil {
			_ = c.store.MarkError(ctx, key, callErr.Error(), "")
			return callErr
		}

		responseBlob, _ := json.Marshal(resp)
		if resp.Status == transport.StatusSuccess {
			return c.store.MarkSuccess(ctx, key, resp.MountPath, string(responseBlob), true)
		}
		return c.store.MarkError(ctx, key, resp.ErrorMsg, string(responseBlob))
	})

	status := "success"
	if err != nil || (resp != nil && resp.Status == transport.StatusError) {
		status = "error"
	}
	c.mountMetrics.ObserveOperation("mount", status, time.Since(start))

	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	telemetry.SetAttributes(ctx, telemetry.Status(string(resp.Status)), telemetry.MountPath(resp.MountPath))
	return resp, nil
}

// Unmount performs the reference-counted unmount decision (spec §4.6 steps
// 1-4): only the last holder of a (target, host) binding triggers a
// physical unmount; every other holder just drops its own reference.
func (c *Coordinator) Unmount(ctx context.Context, req *transport.MountRequest) (*UnmountResult, error) {
	start := time.Now()
	key := keyFor(req)

	ctx, span := telemetry.StartMountSpan(ctx, telemetry.SpanCoordinatorUnmount, string(transport.ActionUnmount), req.BackupTarget.ID, req.Host, req.Job.ID)
	defer span.End()

	lc := logger.NewLogContext(string(transport.ActionUnmount), req.BackupTarget.ID, req.Host).
		WithJob(req.Job.ID).
		WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	ctx = logger.WithContext(ctx, lc)

	var result *UnmountResult
	err := c.withLock(ctx, func() error {
		entry, err := c.store.GetByKey(ctx, key)
		if err != nil && err != ledger.ErrNotFound {
			return err
		}
		if err == ledger.ErrNotFound || !entry.Mounted {
			n, countErr := c.store.CountActive(ctx, req.BackupTarget.ID, req.Host)
			if countErr != nil {
				return countErr
			}
			result = &UnmountResult{Status: transport.StatusSuccess, PhysicallyUnmounted: false, Remaining: n, Message: "not mounted"}
			return nil
		}

		n, err := c.store.CountActive(ctx, req.BackupTarget.ID, req.Host)
		if err != nil {
			return err
		}

		if n > 1 {
			if err := c.store.MarkSuccess(ctx, key, derefOrEmpty(entry.MountPath), "", false); err != nil {
				return err
			}
			result = &UnmountResult{
				Status:              transport.StatusSuccess,
				PhysicallyUnmounted: false,
				Remaining:           n - 1,
				Message:             "reference dropped without physical unmount",
			}
			return nil
		}

		unmountReq := *req
		unmountReq.Action = transport.ActionUnmount
		resp, callErr := c.client.Call(ctx, req.Host, &unmountReq, c.rpcTimeout)
		if callErr != nil {
			_ = c.store.MarkError(ctx, key, callErr.Error(), "")
			return callErr
		}

		responseBlob, _ := json.Marshal(resp)
		if resp.Status != transport.StatusSuccess {
			if err := c.store.MarkError(ctx, key, resp.ErrorMsg, string(responseBlob)); err != nil {
				return err
			}
			result = &UnmountResult{Status: transport.StatusError, PhysicallyUnmounted: false, Remaining: n, Message: resp.ErrorMsg}
			return nil
		}

		if err := c.store.MarkSuccess(ctx, key, derefOrEmpty(entry.MountPath), string(responseBlob), false); err != nil {
			return err
		}
		result = &UnmountResult{Status: transport.StatusSuccess, PhysicallyUnmounted: true, Remaining: 0, Message: "unmounted"}
		return nil
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	c.mountMetrics.ObserveOperation("unmount", status, time.Since(start))
	if result != nil {
		c.mountMetrics.SetActiveMounts(req.BackupTarget.ID, req.Host, int(result.Remaining))
	}

	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	telemetry.SetAttributes(ctx, telemetry.Status(string(result.Status)))
	return result, nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Status returns the live ledger entry for (jobID, targetID, host), or
// ledger.ErrNotFound.
func (c *Coordinator) Status(ctx context.Context, jobID int64, targetID, host string) (*ledger.Entry, error) {
	return c.store.GetByKey(ctx, ledger.Key{JobID: jobID, BackupTargetID: targetID, Host: host})
}

// ListActive returns every currently mounted binding, optionally filtered
// by host and/or target.
func (c *Coordinator) ListActive(ctx context.Context, host, targetID string) ([]*ledger.Entry, error) {
	return c.store.ListActive(ctx, host, targetID)
}

// History returns up to limit ledger rows for targetID, most recent first,
// including soft-deleted rows.
func (c *Coordinator) History(ctx context.Context, targetID string, limit int) ([]*ledger.Entry, error) {
	return c.store.HistoryByTarget(ctx, targetID, limit)
}

// SoftDelete marks the live binding for (jobID, targetID, host) as deleted
// without touching kernel mount state. Returns false if no live row matched.
func (c *Coordinator) SoftDelete(ctx context.Context, jobID int64, targetID, host string) (bool, error) {
	return c.store.SoftDelete(ctx, ledger.Key{JobID: jobID, BackupTargetID: targetID, Host: host})
}

// WithMount acquires a mount for req, runs body with the resulting mount
// path, and unmounts once body returns or panics (a panic is not recovered;
// it continues after the unmount). A mount failure is returned before body
// runs, body's error is returned, and an unmount failure is logged.
func (c *Coordinator) WithMount(ctx context.Context, req *transport.MountRequest, body func(mountPath string) error) error {
	mountReq := *req
	mountReq.Action = transport.ActionMount

	resp, err := c.Mount(ctx, &mountReq)
	if err != nil {
		return err
	}
	if resp.Status != transport.StatusSuccess {
		return dmserrors.NewMountError(fmt.Sprintf("mount failed for target %s: %s", req.BackupTarget.ID, resp.ErrorMsg), nil)
	}

	defer func() {
		unmountReq := *req
		unmountReq.Action = transport.ActionUnmount
		if _, unmountErr := c.Unmount(ctx, &unmountReq); unmountErr != nil {
			logger.ErrorCtx(ctx, "WithMount failed to release mount on exit",
				logger.Target(req.BackupTarget.ID), logger.Host(req.Host), logger.Err(unmountErr))
		}
	}()

	return body(resp.MountPath)
}
