package backups

import (
	"context"

	"github.com/trentd187/jms/internal/bus"
	"github.com/trentd187/jms/internal/database"
)

// ServiceName is the bus service backups answer on.
const ServiceName = "backups"

// RPC op names.
const (
	OpBackupNow     = "backup_now"
	OpBackupTo      = "backup_to"
	OpRestore       = "restore"
	OpRestoreLatest = "restore_latest"
	OpList          = "list"
)

// BackupNowRequest says why a backup is being taken.
type BackupNowRequest struct {
	Reason string `json:"reason"`
}

// Dump carries a compressed backup over the bus. encoding/json base64s the bytes.
type Dump struct {
	Data []byte `json:"data" validate:"required"`
}

type empty struct{}

// Mux exposes the service's operations for bus.Serve.
func (s *Service) Mux() *bus.Mux {
	mux := bus.NewMux()
	bus.Handle(mux, OpBackupNow, func(ctx context.Context, r BackupNowRequest) (database.BackupInfo, error) {
		if r.Reason == "" {
			r.Reason = "manual"
		}
		return s.BackupNow(ctx, r.Reason)
	})
	bus.Handle(mux, OpBackupTo, func(ctx context.Context, _ empty) (Dump, error) {
		data, err := s.BackupTo(ctx)
		return Dump{Data: data}, err
	})
	bus.Handle(mux, OpRestore, func(ctx context.Context, d Dump) (empty, error) {
		return empty{}, s.Restore(ctx, d.Data)
	})
	bus.Handle(mux, OpRestoreLatest, func(ctx context.Context, _ empty) (empty, error) {
		return empty{}, s.RestoreLatest(ctx)
	})
	bus.Handle(mux, OpList, func(ctx context.Context, _ empty) ([]database.BackupInfo, error) {
		return s.List(ctx)
	})
	return mux
}

// Client calls a remote backup service.
type Client struct {
	Bus *bus.Bus
}

// BackupNow takes and archives a backup.
func (c Client) BackupNow(ctx context.Context, reason string) (database.BackupInfo, error) {
	var out database.BackupInfo
	return out, c.Bus.Call(ctx, ServiceName, OpBackupNow, BackupNowRequest{Reason: reason}, &out)
}

// BackupTo fetches a compressed dump.
func (c Client) BackupTo(ctx context.Context) ([]byte, error) {
	var out Dump
	err := c.Bus.Call(ctx, ServiceName, OpBackupTo, nil, &out)
	return out.Data, err
}

// Restore replaces the store with data.
func (c Client) Restore(ctx context.Context, data []byte) error {
	return c.Bus.Call(ctx, ServiceName, OpRestore, Dump{Data: data}, nil)
}

// RestoreLatest restores the newest archived backup.
func (c Client) RestoreLatest(ctx context.Context) error {
	return c.Bus.Call(ctx, ServiceName, OpRestoreLatest, nil, nil)
}

// List returns archived backups, newest first.
func (c Client) List(ctx context.Context) ([]database.BackupInfo, error) {
	var out []database.BackupInfo
	return out, c.Bus.Call(ctx, ServiceName, OpList, nil, &out)
}
