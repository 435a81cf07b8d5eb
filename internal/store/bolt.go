package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"lumehub/internal/device"
)

var (
	bucketDevices = []byte("devices")
	bucketScenes  = []byte("scenes")
)

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

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketScenes} {
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

func (s *BoltStore) SaveDevice(dev device.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(dev.Key().String()), data)
	})
}

func (s *BoltStore) GetDevice(key device.DeviceKey) (device.Device, error) {
	var dev device.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(key.String()))
		if data == nil {
			return fmt.Errorf("device %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return device.Device{}, err
	}
	return dev, nil
}

func (s *BoltStore) DeleteDevice(key device.DeviceKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(key.String()))
	})
}

func (s *BoltStore) ListDevices() ([]device.Device, error) {
	var devices []device.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]device.Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev device.Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) SaveScene(sc StoredScene) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScenes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketScenes)
		}
		data, err := json.Marshal(sc)
		if err != nil {
			return err
		}
		return b.Put([]byte(sc.ID), data)
	})
}

func (s *BoltStore) GetScene(id device.SceneID) (StoredScene, error) {
	var sc StoredScene
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScenes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketScenes)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("scene %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &sc)
	})
	if err != nil {
		return StoredScene{}, err
	}
	return sc, nil
}

func (s *BoltStore) DeleteScene(id device.SceneID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScenes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketScenes)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListScenes() ([]StoredScene, error) {
	var scenes []StoredScene
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScenes)
		if b == nil {
			return nil
		}
		scenes = make([]StoredScene, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var sc StoredScene
			if err := json.Unmarshal(v, &sc); err != nil {
				return err
			}
			scenes = append(scenes, sc)
			return nil
		})
	})
	return scenes, err
}

func (s *BoltStore) UpdateScene(id device.SceneID, fn func(sc *StoredScene) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScenes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketScenes)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("scene %s: %w", id, ErrNotFound)
		}
		var sc StoredScene
		if err := json.Unmarshal(data, &sc); err != nil {
			return err
		}
		if err := fn(&sc); err != nil {
			return err
		}
		out, err := json.Marshal(sc)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
