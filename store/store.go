// Package store defines the rendezvous store abstraction: two logical
// tables — channels and pending requests — with a secondary index from
// tunnel id to channel, TTL-based expiry, and the conditional-update
// semantics the relay handlers depend on.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get/Find operations when no record exists.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned by PutPending when request_id is a duplicate.
var ErrAlreadyExists = errors.New("already exists")

// ChannelRecord is a row of the channels table.
type ChannelRecord struct {
	ChannelID  string
	TunnelID   string
	PublicURL  string
	RoutingMode RoutingMode
	CreatedAt  int64
	TTL        int64
	ClientInfo *ClientInfo
}

// RoutingMode selects how PublicURL was derived.
type RoutingMode string

const (
	RoutingModeSubdomain RoutingMode = "subdomain"
	RoutingModePath      RoutingMode = "path"
)

// ClientInfo is an optional forwarder-supplied descriptor.
type ClientInfo struct {
	Version  string
	Platform string
}

// PendingStatus is the lifecycle state of a PendingRecord.
type PendingStatus string

const (
	PendingStatusPending   PendingStatus = "pending"
	PendingStatusCompleted PendingStatus = "completed"
)

// PendingRecord is a row of the pending table.
type PendingRecord struct {
	RequestID         string
	ChannelID         string
	UpstreamRequestID string
	CreatedAt         int64
	TTL               int64
	Status            PendingStatus
	ResponseBlob      string
}

// Table names the two logical tables, used by ScanExpired.
type Table string

const (
	TableChannels Table = "channels"
	TablePending  Table = "pending"
)

// Store is the rendezvous store's abstract interface. The spec fixes these
// semantics, not the backing technology; MemStore and RedisStore both
// satisfy it.
type Store interface {
	// PutChannel overwrites any prior record for the same ChannelID.
	PutChannel(ctx context.Context, rec ChannelRecord) error
	// DeleteChannel is idempotent.
	DeleteChannel(ctx context.Context, channelID string) error
	// GetChannel returns ErrNotFound if no record exists.
	GetChannel(ctx context.Context, channelID string) (ChannelRecord, error)
	// FindChannelByTunnel uses the secondary index; returns ErrNotFound if
	// tunnelID has never been written.
	FindChannelByTunnel(ctx context.Context, tunnelID string) (ChannelRecord, error)

	// PutPending inserts a new pending record; returns ErrAlreadyExists on
	// a duplicate RequestID.
	PutPending(ctx context.Context, rec PendingRecord) error
	// GetPending returns ErrNotFound if no record exists.
	GetPending(ctx context.Context, requestID string) (PendingRecord, error)
	// CompletePending atomically sets status=completed and the response
	// blob; returns ErrNotFound if requestID is unknown. A reader that
	// observes status=completed always also observes responseBlob.
	CompletePending(ctx context.Context, requestID string, responseBlob string) error
	// TakePending reads and deletes a pending record in one effect (or
	// read-then-delete where a delete failure is only logged, never
	// surfaced to the caller). Returns ErrNotFound if requestID is unknown.
	TakePending(ctx context.Context, requestID string) (PendingRecord, error)

	// ScanExpired returns channel or pending records whose TTL has already
	// elapsed. The result is not bounded in size: MemStore returns every
	// expired record of the table in one slice, and RedisStore always
	// returns none, leaving reclamation to Redis key TTLs.
	ScanExpired(ctx context.Context, table Table, nowSecs int64) ([]ExpiredRecord, error)
}

// ExpiredRecord identifies a record ScanExpired found past its TTL, without
// forcing callers to re-decode the full record to delete it.
type ExpiredRecord struct {
	Table Table
	Key   string // channel_id for TableChannels, request_id for TablePending
}
