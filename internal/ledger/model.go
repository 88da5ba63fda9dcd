package ledger

import (
	"encoding/json"
	"time"
)

// Action is the last mount action applied to a ledger row.
type Action string

const (
	ActionMount   Action = "mount"
	ActionUnmount Action = "unmount"
)

// Status is the outcome of the last RPC associated with a ledger row.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Key identifies the logical (job, target, host) binding a LedgerEntry row
// represents.
type Key struct {
	JobID          int64
	BackupTargetID string
	Host           string
}

// Entry is one row of the mount ledger: one binding between a job, a backup
// target, and the host that mounted it. RequestBlob and ResponseBlob carry
// the full JSON of the originating request/response for forensics; they are
// opaque to every query path.
type Entry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	JobID          int64  `gorm:"column:job_id;not null;index:idx_job"`
	BackupTargetID string `gorm:"column:backup_target_id;not null;size:255;index:idx_target_host_mounted,priority:1"`
	Host           string `gorm:"not null;size:255;index:idx_target_host_mounted,priority:2;index:idx_host_mounted,priority:1"`

	Mounted bool `gorm:"not null;default:false;index:idx_target_host_mounted,priority:3;index:idx_host_mounted,priority:2"`

	MountPath   *string `gorm:"column:mount_path;size:4096"`
	ActionLast  Action  `gorm:"column:action_last;size:16;not null"`
	StatusLast  Status  `gorm:"column:status_last;size:16;not null"`
	RequestBlob string  `gorm:"column:request_blob;type:jsonb"`
	ResponseBlob string `gorm:"column:response_blob;type:jsonb"`
	ErrorMsg    string  `gorm:"column:error_msg;size:2048"`
	SuccessMsg  string  `gorm:"column:success_msg;size:2048"`

	CreatedAt   time.Time  `gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime"`
	CompletedAt *time.Time `gorm:"column:completed_at"`

	Deleted   bool       `gorm:"not null;default:false;index:idx_deleted"`
	DeletedAt *time.Time `gorm:"column:deleted_at"`
}

// TableName returns the table name for Entry.
func (Entry) TableName() string {
	return "mount_ledger_entries"
}

// Key extracts the logical binding key this row represents.
func (e *Entry) Key() Key {
	return Key{JobID: e.JobID, BackupTargetID: e.BackupTargetID, Host: e.Host}
}

// SetRequestBlob marshals v into RequestBlob.
func (e *Entry) SetRequestBlob(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.RequestBlob = string(data)
	return nil
}

// SetResponseBlob marshals v into ResponseBlob.
func (e *Entry) SetResponseBlob(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.ResponseBlob = string(data)
	return nil
}

// AllModels returns every model this package owns, for AutoMigrate.
func AllModels() []any {
	return []any{&Entry{}}
}
