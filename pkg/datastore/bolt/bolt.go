package bolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/grid-x/txn-snapshot/pkg/datastore"
)

const (
	// DefaultPath is where the local journal lives unless configured otherwise
	DefaultPath = "/var/lib/txn-snapshot/journal.db"

	pairsBucket = "pairs"
)

// Bolt is a datastore journaling snapshot pairs into a local bbolt file. Pairs
// of one config live in their own bucket, keyed by creation time and pre
// number so the last key is the latest pair.
type Bolt struct {
	db *bolt.DB

	logger log.FieldLogger
}

type record struct {
	Config      string            `json:"config"`
	PreNumber   uint32            `json:"pre_number"`
	PostNumber  uint32            `json:"post_number"`
	Description string            `json:"description"`
	CreatedAt   time.Time         `json:"created_at"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Open opens or creates the journal at path, creating missing parent
// directories
func Open(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(pairsBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal %s: %w", path, err)
	}
	return &Bolt{
		db: db,
		logger: log.New().WithFields(log.Fields{
			"component": "datastore",
			"datastore": "bolt",
		}),
	}, nil
}

// WithLogger replaces the datastore's logger
func (b *Bolt) WithLogger(logger log.FieldLogger) *Bolt {
	b.logger = logger.WithFields(log.Fields{
		"component": "datastore",
		"datastore": "bolt",
	})
	return b
}

// Close closes the journal file
func (b *Bolt) Close() error {
	return b.db.Close()
}

func pairKey(pair *datastore.SnapshotPair) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint64(key[:8], uint64(pair.CreatedAt.UnixNano()))
	binary.BigEndian.PutUint32(key[8:], uint32(pair.PreNumber))
	return key
}

// StoreSnapshotPair appends the given snapshot pair to the journal
func (b *Bolt) StoreSnapshotPair(pair *datastore.SnapshotPair) error {
	value, err := json.Marshal(&record{
		Config:      string(pair.Config),
		PreNumber:   uint32(pair.PreNumber),
		PostNumber:  uint32(pair.PostNumber),
		Description: pair.Description,
		CreatedAt:   pair.CreatedAt,
		Labels:      (map[string]string)(pair.Labels),
	})
	if err != nil {
		return err
	}

	b.logger.WithFields(log.Fields{
		"config":      string(pair.Config),
		"pre-number":  pair.PreNumber,
		"post-number": pair.PostNumber,
	}).Debug("writing snapshot pair to journal")

	return b.db.Update(func(tx *bolt.Tx) error {
		configs, err := tx.Bucket([]byte(pairsBucket)).CreateBucketIfNotExists([]byte(pair.Config))
		if err != nil {
			return err
		}
		return configs.Put(pairKey(pair), value)
	})
}

// GetLatestSnapshotPair returns the most recently created pair of a config
func (b *Bolt) GetLatestSnapshotPair(config datastore.SnapshotConfig) (*datastore.SnapshotPair, error) {
	var rec record
	err := b.db.View(func(tx *bolt.Tx) error {
		configs := tx.Bucket([]byte(pairsBucket)).Bucket([]byte(config))
		if configs == nil {
			return datastore.ErrNotFound
		}
		_, value := configs.Cursor().Last()
		if value == nil {
			return datastore.ErrNotFound
		}
		return json.Unmarshal(value, &rec)
	})
	if err != nil {
		return nil, err
	}

	return &datastore.SnapshotPair{
		Config:      datastore.SnapshotConfig(rec.Config),
		PreNumber:   datastore.SnapshotNumber(rec.PreNumber),
		PostNumber:  datastore.SnapshotNumber(rec.PostNumber),
		Description: rec.Description,
		CreatedAt:   rec.CreatedAt,
		Labels:      datastore.SnapshotLabels(rec.Labels),
	}, nil
}
