package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for mount/unmount spans.
const (
	AttrJobID     = "dms.job_id"
	AttrTargetID  = "dms.target_id"
	AttrHost      = "dms.host"
	AttrNodeID    = "dms.node_id"
	AttrAction    = "dms.action"
	AttrTargetTyp = "dms.target_type"
	AttrMountPath = "dms.mount_path"
	AttrStatus    = "dms.status"
)

// Span names for coordinator and server operations.
const (
	SpanCoordinatorMount   = "coordinator.mount"
	SpanCoordinatorUnmount = "coordinator.unmount"
	SpanLockAcquire        = "lockgate.acquire"
	SpanRPCCall            = "transport.call"
	SpanRPCServe           = "transport.serve"
	SpanMountExecute       = "mountexec.mount"
	SpanUnmountExecute     = "mountexec.unmount"
	SpanLedgerUpsert       = "ledger.upsert_pending"
	SpanReconcileSweep     = "reconcile.sweep"
)

func JobID(id int64) attribute.KeyValue      { return attribute.Int64(AttrJobID, id) }
func TargetID(id string) attribute.KeyValue  { return attribute.String(AttrTargetID, id) }
func Host(h string) attribute.KeyValue       { return attribute.String(AttrHost, h) }
func NodeID(n string) attribute.KeyValue     { return attribute.String(AttrNodeID, n) }
func Action(a string) attribute.KeyValue     { return attribute.String(AttrAction, a) }
func TargetType(t string) attribute.KeyValue { return attribute.String(AttrTargetTyp, t) }
func MountPath(p string) attribute.KeyValue  { return attribute.String(AttrMountPath, p) }
func Status(s string) attribute.KeyValue     { return attribute.String(AttrStatus, s) }

// StartMountSpan starts a span for a coordinator Mount/Unmount call, tagging
// it with the identifiers that correlate it with a ledger row and a log line.
func StartMountSpan(ctx context.Context, spanName, action, targetID, host string, jobID int64) (context.Context, trace.Span) {
	return StartSpan(ctx, spanName, trace.WithAttributes(
		Action(action),
		TargetID(targetID),
		Host(host),
		JobID(jobID),
	))
}
