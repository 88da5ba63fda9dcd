package transport

import (
	"github.com/go-playground/validator/v10"

	"github.com/dhiraj-trilio/trilio-dms/internal/dmserrors"
)

// Operation is the action a MountRequest asks the server to perform.
type Operation string

const (
	ActionMount   Operation = "mount"
	ActionUnmount Operation = "unmount"
)

// Status is the outcome reported in a MountResponse.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// TargetType identifies the kind of backup target a BackupTarget describes.
type TargetType string

const (
	TargetTypeS3  TargetType = "s3"
	TargetTypeNFS TargetType = "nfs"
)

// RequestContext carries caller identity, logged but not interpreted by the
// server.
type RequestContext struct {
	UserID    string `json:"user_id"`
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	RequestID string `json:"request_id,omitempty"`
}

// JobRef identifies the caller's job. The original implementation carried
// job.id as either an integer or a string depending on call site; this
// field is typed int64 so a caller that marshals a string here fails at the
// JSON boundary rather than being silently coerced.
type JobRef struct {
	ID     int64  `json:"id"`
	Action string `json:"action,omitempty"`
}

// BackupTarget describes the remote endpoint to mount. It is carried in the
// request and never persisted by the core beyond its id.
type BackupTarget struct {
	ID                        string     `json:"id" validate:"required"`
	Type                      TargetType `json:"type" validate:"required,oneof=s3 nfs"`
	FilesystemExport          string     `json:"filesystem_export,omitempty"`
	FilesystemExportMountPath string     `json:"filesystem_export_mount_path" validate:"required"`
	SecretRef                 string     `json:"secret_ref,omitempty"`
	NFSMountOpts              string     `json:"nfs_mount_opts,omitempty"`
	Status                    string     `json:"status,omitempty"`
	Deleted                   bool       `json:"deleted,omitempty"`
}

// MountRequest is the broker message body for both mount and unmount
// operations.
type MountRequest struct {
	Context      RequestContext `json:"context"`
	Token        string         `json:"token" validate:"required"`
	Job          JobRef         `json:"job"`
	Host         string         `json:"host" validate:"required"`
	Action       Operation      `json:"action" validate:"required,oneof=mount unmount"`
	BackupTarget BackupTarget   `json:"backup_target" validate:"required"`
}

// MountResponse is the broker reply body.
type MountResponse struct {
	Status     Status `json:"status"`
	SuccessMsg string `json:"success_msg,omitempty"`
	ErrorMsg   string `json:"error_msg,omitempty"`
	MountPath  string `json:"mount_path,omitempty"`
}

var structValidator = validator.New()

// Validate checks the struct tags above plus the target-type-dependent
// rules spec.md states in prose: S3 targets require secret_ref and ignore
// filesystem_export; NFS targets require filesystem_export.
func (r *MountRequest) Validate() error {
	if err := structValidator.Struct(r); err != nil {
		return dmserrors.NewValidationError(err.Error())
	}

	switch r.BackupTarget.Type {
	case TargetTypeS3:
		if r.BackupTarget.SecretRef == "" {
			return dmserrors.NewValidationError("secret_ref is required for s3 targets")
		}
	case TargetTypeNFS:
		if r.BackupTarget.FilesystemExport == "" {
			return dmserrors.NewValidationError("filesystem_export is required for nfs targets")
		}
	}
	return nil
}

// SuccessResponse builds a MountResponse reporting success.
func SuccessResponse(mountPath, successMsg string) *MountResponse {
	return &MountResponse{Status: StatusSuccess, MountPath: mountPath, SuccessMsg: successMsg}
}

// ErrorResponse builds a MountResponse reporting failure.
func ErrorResponse(errorMsg string) *MountResponse {
	return &MountResponse{Status: StatusError, ErrorMsg: errorMsg}
}
