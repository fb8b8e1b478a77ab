package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.lyo-realtime/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	// The database holds bearer credentials.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket        = []byte("app")
	credentialBucket = []byte("credentials")
	scheduleBucket   = []byte("schedules")

	lastConnectedKey = []byte("last_connected")
)

// State wraps a bbolt database for all persistent application state:
// credentials (key/value), pending notification schedules and a few
// connection bookkeeping values.
type State struct {
	db *bolt.DB
}

// Load opens the state database at the default location, creating it if
// it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, credentialBucket, scheduleBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Put stores a credential value under key, replacing any previous value.
func (s *State) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialBucket).Put([]byte(key), value)
	})
}

// Get returns the credential value stored under key, or nil when absent.
// The returned slice is a copy and safe to keep.
func (s *State) Get(key string) ([]byte, error) {
	var out []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(credentialBucket).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}

		return nil
	})

	return out, err
}

// Delete removes key from the credential bucket. Deleting a missing key
// is not an error.
func (s *State) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialBucket).Delete([]byte(key))
	})
}

// PutSchedule stores the encoded notification request under its identifier.
func (s *State) PutSchedule(id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(scheduleBucket).Put([]byte(id), data)
	})
}

// DeleteSchedule removes a stored notification request. Missing ids are
// ignored.
func (s *State) DeleteSchedule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(scheduleBucket).Delete([]byte(id))
	})
}

// AllSchedules returns every stored notification request keyed by id.
func (s *State) AllSchedules() (map[string][]byte, error) {
	result := make(map[string][]byte)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(scheduleBucket).ForEach(func(k, v []byte) error {
			result[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})

	return result, err
}

// LastConnected returns the time of the last successful connection, or
// the zero time if none has been recorded.
func (s *State) LastConnected() time.Time {
	var t time.Time

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(lastConnectedKey)
		if v == nil {
			return nil
		}

		return t.UnmarshalText(v)
	})

	return t
}

// SetLastConnected records the time of a successful connection.
func (s *State) SetLastConnected(t time.Time) error {
	data, err := t.UTC().MarshalText()
	if err != nil {
		return fmt.Errorf("encoding time: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(lastConnectedKey, data)
	})
}

// DefaultPath returns ~/.lyo-realtime/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Refuse to fall back to the working directory: the database
		// holds session tokens.
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".lyo-realtime", "state.db"), nil
}
