// Package ledger implements the durable mount ledger (spec §4.2): the
// source of truth for which (job, target, host) bindings are currently
// mounted, backed by Postgres via GORM.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dhiraj-trilio/trilio-dms/internal/dmserrors"
	"github.com/dhiraj-trilio/trilio-dms/internal/telemetry"
)

// ErrNotFound is returned by GetByKey when no live row matches.
var ErrNotFound = errors.New("ledger: entry not found")

// ParseURL splits the single `ledger_url` configuration key (spec §6) into
// the discrete fields Config carries. Standard library only: this is a
// one-shot translation of a postgres:// URL into its components, not a
// concern any example repo's third-party stack addresses (dittofs' own
// PostgresConfig is always populated field-by-field from viper, never from
// a URL string).
func ParseURL(raw string) (*Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse ledger_url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("ledger: unsupported ledger_url scheme %q, want postgres://", u.Scheme)
	}

	host := u.Hostname()
	port := 5432
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("ledger: invalid port in ledger_url: %w", err)
		}
	}

	cfg := &Config{
		Host:     host,
		Port:     port,
		Database: strings.TrimPrefix(u.Path, "/"),
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	if sslMode := u.Query().Get("sslmode"); sslMode != "" {
		cfg.SSLMode = sslMode
	}
	return cfg, nil
}

// Config describes how to connect to the ledger's Postgres database.
type Config struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string // disable, require, verify-ca, verify-full
	MaxOpenConns int
	MaxIdleConns int
}

// DSN returns the PostgreSQL keyword/value connection string for c, as
// consumed by gorm.io/driver/postgres.
func (c *Config) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	return dsn
}

// URL returns the PostgreSQL URL form of c, as consumed by golang-migrate.
func (c *Config) URL() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode)
}

// ApplyDefaults fills in unset fields with DMS's standard Postgres defaults.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
}

// Validate checks that c has enough information to connect.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("ledger: postgres host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("ledger: postgres database is required")
	}
	if c.User == "" {
		return fmt.Errorf("ledger: postgres user is required")
	}
	return nil
}

// Store is the interface the mount coordinator depends on.
type Store interface {
	UpsertPending(ctx context.Context, key Key, requestBlob string) (uint64, error)
	MarkSuccess(ctx context.Context, key Key, mountPath string, responseBlob string, mounted bool) error
	MarkError(ctx context.Context, key Key, errorMsg string, responseBlob string) error
	CountActive(ctx context.Context, targetID, host string) (int64, error)
	GetByKey(ctx context.Context, key Key) (*Entry, error)
	ListActive(ctx context.Context, host, targetID string) ([]*Entry, error)
	ListLiveForHost(ctx context.Context, host string) ([]*Entry, error)
	SetMountedForTarget(ctx context.Context, targetID, host string, mounted bool) (int64, error)
	HistoryByTarget(ctx context.Context, targetID string, limit int) ([]*Entry, error)
	SoftDelete(ctx context.Context, key Key) (bool, error)
}

// GORMStore implements Store over a Postgres-backed GORM connection.
type GORMStore struct {
	db     *gorm.DB
	config *Config
}

// New opens a connection per config, running AutoMigrate for every model in
// this package, and returns a ready-to-use GORMStore.
func New(config *Config) (*GORMStore, error) {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.Open(config.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, dmserrors.NewLedgerError("failed to connect to ledger database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, dmserrors.NewLedgerError("failed to get underlying ledger connection", err)
	}
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, dmserrors.NewLedgerError("failed to migrate ledger schema", err)
	}

	return &GORMStore{db: db, config: config}, nil
}

// DB returns the underlying GORM connection, mainly for tests and advanced
// queries outside the Store interface.
func (s *GORMStore) DB() *gorm.DB {
	return s.db
}

func liveScope(db *gorm.DB) *gorm.DB {
	return db.Where("deleted = ?", false)
}

// UpsertPending creates or reactivates the row for key in pending status
// with mounted=false, recording requestBlob. If a live row for key already
// exists it is reused (idempotent retry support per spec §4.6/§8).
func (s *GORMStore) UpsertPending(ctx context.Context, key Key, requestBlob string) (uint64, error) {
	ctx, span := telemetry.StartMountSpan(ctx, telemetry.SpanLedgerUpsert, "mount", key.BackupTargetID, key.Host, key.JobID)
	defer span.End()

	var existing Entry
	err := liveScope(s.db.WithContext(ctx)).
		Where("job_id = ? AND backup_target_id = ? AND host = ?", key.JobID, key.BackupTargetID, key.Host).
		First(&existing).Error

	switch {
	case err == nil:
		existing.StatusLast = StatusPending
		existing.ActionLast = ActionMount
		existing.Mounted = false
		existing.RequestBlob = requestBlob
		if err := s.db.WithContext(ctx).Model(&existing).
			Updates(map[string]any{
				"status_last":  StatusPending,
				"action_last":  ActionMount,
				"mounted":      false,
				"request_blob": requestBlob,
			}).Error; err != nil {
			return 0, dmserrors.NewLedgerError("failed to update pending ledger entry", err)
		}
		return existing.ID, nil

	case errors.Is(err, gorm.ErrRecordNotFound):
		entry := Entry{
			JobID:          key.JobID,
			BackupTargetID: key.BackupTargetID,
			Host:           key.Host,
			Mounted:        false,
			ActionLast:     ActionMount,
			StatusLast:     StatusPending,
			RequestBlob:    requestBlob,
		}
		if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
			return 0, dmserrors.NewLedgerError("failed to create pending ledger entry", err)
		}
		return entry.ID, nil

	default:
		return 0, dmserrors.NewLedgerError("failed to look up ledger entry for upsert", err)
	}
}

// MarkSuccess records a successful RPC outcome for key: status=success,
// mount_path, mounted flag, and completed_at.
func (s *GORMStore) MarkSuccess(ctx context.Context, key Key, mountPath string, responseBlob string, mounted bool) error {
	now := time.Now()
	result := liveScope(s.db.WithContext(ctx)).
		Model(&Entry{}).
		Where("job_id = ? AND backup_target_id = ? AND host = ?", key.JobID, key.BackupTargetID, key.Host).
		Updates(map[string]any{
			"status_last":   StatusSuccess,
			"mount_path":    mountPath,
			"mounted":       mounted,
			"response_blob": responseBlob,
			"completed_at":  now,
			"success_msg":   "",
			"error_msg":     "",
		})
	if result.Error != nil {
		return dmserrors.NewLedgerError("failed to mark ledger entry success", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkError records a failed RPC outcome for key. Mounted is left unchanged.
func (s *GORMStore) MarkError(ctx context.Context, key Key, errorMsg string, responseBlob string) error {
	now := time.Now()
	result := liveScope(s.db.WithContext(ctx)).
		Model(&Entry{}).
		Where("job_id = ? AND backup_target_id = ? AND host = ?", key.JobID, key.BackupTargetID, key.Host).
		Updates(map[string]any{
			"status_last":   StatusError,
			"error_msg":     errorMsg,
			"response_blob": responseBlob,
			"completed_at":  now,
		})
	if result.Error != nil {
		return dmserrors.NewLedgerError("failed to mark ledger entry error", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActive returns the number of live mounted=true rows for
// (targetID, host), the reference count the coordinator's Unmount decision
// is based on.
func (s *GORMStore) CountActive(ctx context.Context, targetID, host string) (int64, error) {
	var count int64
	err := liveScope(s.db.WithContext(ctx)).
		Model(&Entry{}).
		Where("backup_target_id = ? AND host = ? AND mounted = ?", targetID, host, true).
		Count(&count).Error
	if err != nil {
		return 0, dmserrors.NewLedgerError("failed to count active ledger entries", err)
	}
	return count, nil
}

// GetByKey returns the live row for key, or ErrNotFound.
func (s *GORMStore) GetByKey(ctx context.Context, key Key) (*Entry, error) {
	var entry Entry
	err := liveScope(s.db.WithContext(ctx)).
		Where("job_id = ? AND backup_target_id = ? AND host = ?", key.JobID, key.BackupTargetID, key.Host).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, dmserrors.NewLedgerError("failed to get ledger entry", err)
	}
	return &entry, nil
}

// ListActive returns live mounted=true rows, optionally filtered by host
// and/or target.
func (s *GORMStore) ListActive(ctx context.Context, host, targetID string) ([]*Entry, error) {
	q := liveScope(s.db.WithContext(ctx)).Where("mounted = ?", true)
	if host != "" {
		q = q.Where("host = ?", host)
	}
	if targetID != "" {
		q = q.Where("backup_target_id = ?", targetID)
	}

	var entries []*Entry
	if err := q.Order("created_at").Find(&entries).Error; err != nil {
		return nil, dmserrors.NewLedgerError("failed to list active ledger entries", err)
	}
	return entries, nil
}

// ListLiveForHost returns every non-deleted row for host, regardless of
// mounted state. Startup reconciliation uses this to discover every target
// worth checking against actual kernel mount state, mirroring the
// distinct-backup_target_id query ReconciliationService.reconcile_on_startup
// runs before walking each target.
func (s *GORMStore) ListLiveForHost(ctx context.Context, host string) ([]*Entry, error) {
	var entries []*Entry
	err := liveScope(s.db.WithContext(ctx)).
		Where("host = ?", host).
		Order("created_at").
		Find(&entries).Error
	if err != nil {
		return nil, dmserrors.NewLedgerError("failed to list ledger entries for host", err)
	}
	return entries, nil
}

// SetMountedForTarget bulk-updates the mounted flag across every live row
// for (targetID, host), regardless of job. Reconciliation uses this to
// converge every binding for a target in one statement, the Go equivalent
// of _reconcile_target's three `.update({'mounted': ...})` queries, which
// likewise update every ledger row for the target rather than one job at a
// time.
func (s *GORMStore) SetMountedForTarget(ctx context.Context, targetID, host string, mounted bool) (int64, error) {
	result := liveScope(s.db.WithContext(ctx)).
		Model(&Entry{}).
		Where("backup_target_id = ? AND host = ?", targetID, host).
		Update("mounted", mounted)
	if result.Error != nil {
		return 0, dmserrors.NewLedgerError("failed to set mounted flag for target", result.Error)
	}
	return result.RowsAffected, nil
}

// HistoryByTarget returns up to limit rows for targetID, most recent first,
// including soft-deleted rows (history is a forensic view, unlike
// ListActive/CountActive which exclude deleted rows per spec §4.2).
func (s *GORMStore) HistoryByTarget(ctx context.Context, targetID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []*Entry
	err := s.db.WithContext(ctx).
		Where("backup_target_id = ?", targetID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, dmserrors.NewLedgerError("failed to list ledger history", err)
	}
	return entries, nil
}

// SoftDelete marks the live row for key as deleted. Returns false if no
// live row matched.
func (s *GORMStore) SoftDelete(ctx context.Context, key Key) (bool, error) {
	now := time.Now()
	result := liveScope(s.db.WithContext(ctx)).
		Model(&Entry{}).
		Where("job_id = ? AND backup_target_id = ? AND host = ?", key.JobID, key.BackupTargetID, key.Host).
		Updates(map[string]any{
			"deleted":    true,
			"deleted_at": now,
		})
	if result.Error != nil {
		return false, dmserrors.NewLedgerError("failed to soft-delete ledger entry", result.Error)
	}
	return result.RowsAffected > 0, nil
}
