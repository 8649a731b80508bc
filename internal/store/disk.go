package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/errors"
	"go.etcd.io/bbolt"

	"github.com/block/ctfplug/internal/logging"
)

var settingsBucketName = []byte("settings")

func RegisterDisk(r *Registry) {
	Register(r, "disk", "Persists configuration records in a local bbolt database.", NewDisk)
}

type DiskConfig struct {
	Root        string        `hcl:"root" help:"Directory holding the settings database."`
	OpenTimeout time.Duration `hcl:"open-timeout,optional" help:"How long to wait for the database file lock." default:"5s"`
}

// diskRecord is the persisted form of a record. The key is the bucket key.
type diskRecord struct {
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Disk struct {
	path string
	db   *bbolt.DB
}

var _ Store = (*Disk)(nil)

// NewDisk opens (creating if necessary) a bbolt-backed store under config.Root.
//
// config.Root MUST be set. bbolt holds an exclusive file lock, so only one process may open the store at a time.
func NewDisk(ctx context.Context, config DiskConfig) (*Disk, error) {
	if config.Root == "" {
		return nil, errors.New("root directory is required")
	}
	if config.OpenTimeout == 0 {
		config.OpenTimeout = 5 * time.Second
	}
	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, errors.Errorf("failed to get absolute path for store root: %w", err)
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, errors.Errorf("failed to create store root: %w", err)
	}
	path := filepath.Join(root, "settings.db")
	logging.FromContext(ctx).InfoContext(ctx, "Opening disk store", "path", path)

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: config.OpenTimeout})
	if err != nil {
		return nil, errors.Errorf("failed to open bbolt database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(settingsBucketName)
		return errors.WithStack(err)
	}); err != nil {
		return nil, errors.Join(errors.Errorf("failed to create bucket: %w", err), db.Close())
	}
	return &Disk{path: path, db: db}, nil
}

func (d *Disk) String() string { return "disk:" + d.path }

func (d *Disk) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	var out []Record
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(settingsBucketName).ForEach(func(k, v []byte) error {
			record, err := decodeDiskRecord(k, v)
			if err != nil {
				return err
			}
			out = append(out, record)
			return nil
		})
	})
	// bbolt iterates in byte order, which is already key order.
	return out, errors.WithStack(err)
}

func (d *Disk) Get(ctx context.Context, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, errors.WithStack(err)
	}
	var record Record
	err := d.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(settingsBucketName).Get([]byte(key))
		if v == nil {
			return notFound(key)
		}
		var err error
		record, err = decodeDiskRecord([]byte(key), v)
		return err
	})
	return record, errors.WithStack(err)
}

func (d *Disk) Put(ctx context.Context, key string, value json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	data, err := json.Marshal(diskRecord{Value: value, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return errors.Errorf("failed to encode record: %w", err)
	}
	return errors.WithStack(d.db.Update(func(tx *bbolt.Tx) error {
		return errors.WithStack(tx.Bucket(settingsBucketName).Put([]byte(key), data))
	}))
}

func (d *Disk) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(settingsBucketName)
		if bucket.Get([]byte(key)) == nil {
			return notFound(key)
		}
		return errors.WithStack(bucket.Delete([]byte(key)))
	}))
}

func (d *Disk) Close() error {
	if err := d.db.Close(); err != nil {
		return errors.Errorf("failed to close bbolt database: %w", err)
	}
	return nil
}

func decodeDiskRecord(k, v []byte) (Record, error) {
	var stored diskRecord
	if err := json.Unmarshal(v, &stored); err != nil {
		return Record{}, errors.Errorf("%s: failed to decode record: %w", k, err)
	}
	return Record{Key: string(k), Value: stored.Value, UpdatedAt: stored.UpdatedAt}, nil
}
