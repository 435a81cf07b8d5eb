package store

import (
	"errors"

	"lumehub/internal/device"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev device.Device) error
	GetDevice(key device.DeviceKey) (device.Device, error)
	DeleteDevice(key device.DeviceKey) error
	ListDevices() ([]device.Device, error)

	// Scene operations
	SaveScene(sc StoredScene) error
	GetScene(id device.SceneID) (StoredScene, error)
	DeleteScene(id device.SceneID) error
	ListScenes() ([]StoredScene, error)

	// UpdateScene atomically reads, modifies, and saves a scene in a single
	// transaction. Returns ErrNotFound if the scene does not exist.
	UpdateScene(id device.SceneID, fn func(sc *StoredScene) error) error

	// Close the store
	Close() error
}
