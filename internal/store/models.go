package store

import (
	"encoding/json"

	"lumehub/internal/device"
)

// StoredScene is a user-defined scene as persisted. Config holds the full
// scene definition JSON; the scene subsystem owns its shape, the store
// treats it as opaque.
type StoredScene struct {
	ID     device.SceneID  `json:"id"`
	Config json.RawMessage `json:"config"`
}
