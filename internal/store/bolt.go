package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices    = []byte("devices")
	bucketNetwork    = []byte("network")
	bucketGroups     = []byte("groups")
	bucketExecutions = []byte("executions")
	bucketExecIndex  = []byte("execution_ids")
	bucketArtifacts  = []byte("artifacts")
	keyNetState      = []byte("state")
)

// artifactTimeLayout sorts lexicographically in time order.
const artifactTimeLayout = "20060102T150405.000000000Z"

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketNetwork, bucketGroups, bucketExecutions, bucketExecIndex, bucketArtifacts} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// getJSON decodes key into v, returning ErrNotFound wrapped with what.
func getJSON(b *bolt.Bucket, key []byte, v any, what string) error {
	data := b.Get(key)
	if data == nil {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

// listJSON decodes every value of b whose key has prefix.
func listJSON[T any](b *bolt.Bucket, prefix []byte) ([]*T, error) {
	out := []*T{}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		item := new(T)
		if err := json.Unmarshal(v, item); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		return putJSON(b, []byte(dev.IEEEAddress), dev)
	})
}

func (s *BoltStore) GetDevice(ieee string) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		return getJSON(b, []byte(ieee), &dev, "device "+ieee)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) UpdateDevice(ieee string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		var dev Device
		if err := getJSON(b, []byte(ieee), &dev, "device "+ieee); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		return putJSON(b, []byte(ieee), &dev)
	})
}

func (s *BoltStore) DeleteDevice(ieee string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		return b.Delete([]byte(ieee))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil
		}
		var err error
		devices, err = listJSON[Device](b, nil)
		return err
	})
	return devices, err
}

func (s *BoltStore) SaveNetworkState(state *NetworkState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketNetwork)
		if err != nil {
			return err
		}
		return putJSON(b, keyNetState, networkStateStorage{NetworkState: *state, StoredKey: state.NetworkKey})
	})
}

func (s *BoltStore) GetNetworkState() (*NetworkState, error) {
	var st networkStateStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketNetwork)
		if err != nil {
			return err
		}
		return getJSON(b, keyNetState, &st, "network state")
	})
	if err != nil {
		return nil, err
	}
	state := st.NetworkState
	state.NetworkKey = st.StoredKey
	return &state, nil
}

func (s *BoltStore) ClearNetworkState() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketNetwork)
		if err != nil {
			return err
		}
		return b.Delete(keyNetState)
	})
}

func groupKey(id uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, id)
}

func (s *BoltStore) GetGroup(id uint16) (*Group, error) {
	var g Group
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketGroups)
		if err != nil {
			return err
		}
		return getJSON(b, groupKey(id), &g, fmt.Sprintf("group 0x%04X", id))
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *BoltStore) ListGroups() ([]*Group, error) {
	var groups []*Group
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketGroups)
		if err != nil {
			return err
		}
		groups, err = listJSON[Group](b, nil)
		return err
	})
	return groups, err
}

func (s *BoltStore) UpdateGroup(id uint16, fn func(g *Group) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketGroups)
		if err != nil {
			return err
		}
		g := Group{ID: id}
		if data := b.Get(groupKey(id)); data != nil {
			if err := json.Unmarshal(data, &g); err != nil {
				return err
			}
		}
		if err := fn(&g); err != nil {
			return err
		}
		if len(g.Members) == 0 && g.Name == "" {
			return b.Delete(groupKey(id))
		}
		g.ID = id
		return putJSON(b, groupKey(id), &g)
	})
}

func (s *BoltStore) DeleteGroup(id uint16) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketGroups)
		if err != nil {
			return err
		}
		return b.Delete(groupKey(id))
	})
}

// AddExecution stores e. Executions are keyed by insertion sequence so
// that history order does not depend on the request ID; execution_ids
// maps an ID to its key.
func (s *BoltStore) AddExecution(e *Execution, limit int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketExecutions)
		if err != nil {
			return err
		}
		idx, err := bucket(tx, bucketExecIndex)
		if err != nil {
			return err
		}

		key := idx.Get([]byte(e.ID))
		if key == nil {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			key = binary.BigEndian.AppendUint64(nil, seq)
			if err := idx.Put([]byte(e.ID), key); err != nil {
				return err
			}
		} else {
			key = append([]byte(nil), key...)
		}
		if err := putJSON(b, key, e); err != nil {
			return err
		}
		if limit <= 0 {
			return nil
		}

		count := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		excess := count - limit
		for k, v := c.First(); k != nil && excess > 0; k, v = c.First() {
			var old Execution
			if err := json.Unmarshal(v, &old); err == nil {
				if err := idx.Delete([]byte(old.ID)); err != nil {
					return err
				}
			}
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

func (s *BoltStore) ListExecutions(limit int) ([]*Execution, error) {
	out := []*Execution{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketExecutions)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e Execution
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode execution %x: %w", k, err)
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) GetExecution(id string) (*Execution, error) {
	var e Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		idx, err := bucket(tx, bucketExecIndex)
		if err != nil {
			return err
		}
		key := idx.Get([]byte(id))
		if key == nil {
			return fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		b, err := bucket(tx, bucketExecutions)
		if err != nil {
			return err
		}
		return getJSON(b, key, &e, "execution "+id)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func artifactPrefix(kind, subject string) string {
	if subject == "" {
		return kind + "/"
	}
	return kind + "/" + subject + "/"
}

func (s *BoltStore) SaveArtifact(a *Artifact) error {
	if a.Kind == "" || strings.Contains(a.Kind, "/") {
		return fmt.Errorf("invalid artifact kind %q", a.Kind)
	}
	if a.Subject == "" {
		a.Subject = "network"
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	key := artifactPrefix(a.Kind, a.Subject) + a.CreatedAt.UTC().Format(artifactTimeLayout)
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketArtifacts)
		if err != nil {
			return err
		}
		return putJSON(b, []byte(key), a)
	})
}

func (s *BoltStore) ListArtifacts(kind string) ([]*Artifact, error) {
	var out []*Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketArtifacts)
		if err != nil {
			return err
		}
		out, err = listJSON[Artifact](b, []byte(artifactPrefix(kind, "")))
		return err
	})
	return out, err
}

func (s *BoltStore) LatestArtifact(kind, subject string) (*Artifact, error) {
	prefix := []byte(artifactPrefix(kind, subject))
	var a *Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketArtifacts)
		if err != nil {
			return err
		}
		// Seek past the prefix range, then step back.
		end := append(append([]byte(nil), prefix...), 0xFF)
		c := b.Cursor()
		k, v := c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if k == nil || !strings.HasPrefix(string(k), string(prefix)) {
			return fmt.Errorf("%s artifact for %s: %w", kind, subject, ErrNotFound)
		}
		a = new(Artifact)
		return json.Unmarshal(v, a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
