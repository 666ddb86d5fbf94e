package datastore

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no pair has been recorded for a config
var ErrNotFound = errors.New("no snapshot pair found")

// SnapshotConfig is the snapper config a snapshot pair was taken for
type SnapshotConfig string

// SnapshotNumber is the daemon-assigned number of a snapshot
type SnapshotNumber uint32

// SnapshotLabels represent arbitrary labels added to a snapshot pair
type SnapshotLabels map[string]string

// SnapshotPair describes a pre snapshot and the post snapshot taken after the
// same transaction. PostNumber is zero when the post snapshot could not be
// created.
type SnapshotPair struct {
	Config      SnapshotConfig
	PreNumber   SnapshotNumber
	PostNumber  SnapshotNumber
	Description string
	CreatedAt   time.Time
	Labels      SnapshotLabels
}

// Complete reports whether both snapshots of the pair exist
func (p *SnapshotPair) Complete() bool {
	return p.PreNumber != 0 && p.PostNumber != 0
}

// Datastore describes the interface needed by a storage for snapshot pairs
type Datastore interface {
	StoreSnapshotPair(*SnapshotPair) error
	GetLatestSnapshotPair(SnapshotConfig) (*SnapshotPair, error)
}
