package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the mount coordinator,
// transport, registry, and mount executor. Use these keys consistently so
// log lines aggregate cleanly regardless of which component emitted them.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Mount domain identifiers
	KeyJobID     = "job_id"
	KeyTargetID  = "target_id"
	KeyHost      = "host"
	KeyNodeID    = "node_id"
	KeyAction    = "action"     // mount, unmount
	KeyTargetTyp = "target_typ" // s3, nfs
	KeyMountPath = "mount_path"

	// Operation outcome
	KeyStatus     = "status"
	KeyErrorCode  = "error_code"
	KeyError      = "error"
	KeyDurationMs = "duration_ms"

	// Transport
	KeyCorrelationID = "correlation_id"
	KeyQueue         = "queue"
	KeyReplyTo       = "reply_to"

	// Process registry
	KeyPID    = "pid"
	KeySource = "source" // spawned, loaded_from_disk

	// Reference counting
	KeyActiveCount = "active_count"
	KeyRemaining   = "remaining"
)

// keysRequiringRedaction lists environment/credential keys that must never
// appear verbatim in a log line. Matched case-insensitively against map keys
// before logging FUSE helper environments or secret payloads.
var keysRequiringRedaction = map[string]struct{}{
	"access_key":            {},
	"secret_key":            {},
	"aws_access_key_id":     {},
	"aws_secret_access_key": {},
	"password":              {},
	"token":                 {},
}

// Redact returns a copy of env with any credential-bearing value replaced by
// a fixed placeholder, keyed case-insensitively against keysRequiringRedaction.
func Redact(env map[string]string) map[string]string {
	redacted := make(map[string]string, len(env))
	for k, v := range env {
		if isSecretKey(k) {
			redacted[k] = "****"
			continue
		}
		redacted[k] = v
	}
	return redacted
}

func isSecretKey(key string) bool {
	for k := range keysRequiringRedaction {
		if len(k) == len(key) && equalFold(k, key) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Job returns a slog.Attr for the job id.
func Job(id int64) slog.Attr { return slog.Int64(KeyJobID, id) }

// Target returns a slog.Attr for the backup target id.
func Target(id string) slog.Attr { return slog.String(KeyTargetID, id) }

// Host returns a slog.Attr for the host.
func Host(h string) slog.Attr { return slog.String(KeyHost, h) }

// Node returns a slog.Attr for the node id.
func Node(n string) slog.Attr { return slog.String(KeyNodeID, n) }

// Action returns a slog.Attr for the mount action.
func Action(a string) slog.Attr { return slog.String(KeyAction, a) }

// MountPath returns a slog.Attr for the mount path.
func MountPath(p string) slog.Attr { return slog.String(KeyMountPath, p) }

// CorrelationID returns a slog.Attr for the RPC correlation id.
func CorrelationID(id string) slog.Attr { return slog.String(KeyCorrelationID, id) }

// Queue returns a slog.Attr for a broker queue name.
func Queue(name string) slog.Attr { return slog.String(KeyQueue, name) }

// PID returns a slog.Attr for a process id.
func PID(pid int) slog.Attr { return slog.Int(KeyPID, pid) }

// Err returns a slog.Attr for an error value.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
