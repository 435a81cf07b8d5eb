// Package event defines the hub-wide message union and the queue that
// feeds the central dispatcher. Every state transition in the system
// travels through this queue.
package event

import (
	"fmt"

	"lumehub/internal/device"
)

// Message is the closed union of events the dispatcher routes. Each
// concrete type carries the payload for exactly one table entry of the
// dispatcher.
type Message interface {
	message()
}

// ObservedState carries a device state freshly observed by an integration.
// The dispatcher reconciles it against the store.
type ObservedState struct {
	Device device.Device
}

// InternalStateUpdate is published after every committed store mutation.
// It is the sole trigger for downstream invalidation (groups, scenes,
// rules, live UI). The snapshots are immutable deep copies; subscribers
// must not retain references that alias the live store.
type InternalStateUpdate struct {
	OldState device.DevicesState
	NewState device.DevicesState
	Old      *device.Device
	New      device.Device
}

// SetExpectedState asks the store to commit a caller-supplied state with
// explicit skip flags.
type SetExpectedState struct {
	Device   device.Device
	SetScene bool
	SkipSend bool
}

// SendDeviceState forwards a device state to the integration responsible
// for its integration id.
type SendDeviceState struct {
	Device device.Device
}

// BroadcastState pushes a full state snapshot to live subscribers.
type BroadcastState struct{}

// StoreScene persists a scene definition and refreshes the scene cache.
type StoreScene struct {
	ID     device.SceneID
	Config []byte // opaque scene config, JSON-encoded by the caller
}

// EditScene renames a persisted scene.
type EditScene struct {
	ID   device.SceneID
	Name string
}

// DeleteScene removes a persisted scene.
type DeleteScene struct {
	ID device.SceneID
}

// SceneDescriptor names a scene and optionally restricts it to a subset of
// devices or groups.
type SceneDescriptor struct {
	SceneID    device.SceneID     `json:"scene_id" yaml:"scene_id"`
	DeviceKeys []device.DeviceKey `json:"device_keys,omitempty" yaml:"device_keys,omitempty"`
	GroupIDs   []device.GroupID   `json:"group_ids,omitempty" yaml:"group_ids,omitempty"`
}

// ActivateScene assigns a scene to its resolved device set.
type ActivateScene struct {
	Descriptor SceneDescriptor
}

// CycleScenes advances through a caller-defined scene rotation.
type CycleScenes struct {
	Scenes []SceneDescriptor
	NoWrap bool
}

// Dim applies a relative brightness step to the known device set. A nil
// step means the default step.
type Dim struct {
	DeviceKeys []device.DeviceKey
	GroupIDs   []device.GroupID
	Step       *float64
}

// CustomAction forwards an opaque payload to the named integration.
type CustomAction struct {
	IntegrationID device.IntegrationID
	Payload       string
}

// ForceTriggerRoutine runs a routine regardless of its trigger condition.
type ForceTriggerRoutine struct {
	RoutineID string
}

// EvalExpr evaluates an expression against current device state and emits
// the resulting events.
type EvalExpr struct {
	Expression string
}

func (ObservedState) message()       {}
func (InternalStateUpdate) message() {}
func (SetExpectedState) message()    {}
func (SendDeviceState) message()     {}
func (BroadcastState) message()      {}
func (StoreScene) message()          {}
func (EditScene) message()           {}
func (DeleteScene) message()         {}
func (ActivateScene) message()       {}
func (CycleScenes) message()         {}
func (Dim) message()                 {}
func (CustomAction) message()        {}
func (ForceTriggerRoutine) message() {}
func (EvalExpr) message()            {}

// Describe renders a short human-readable tag for logging.
func Describe(m Message) string {
	switch msg := m.(type) {
	case ObservedState:
		return fmt.Sprintf("observed_state(%s)", msg.Device.Key())
	case InternalStateUpdate:
		return fmt.Sprintf("internal_state_update(%s)", msg.New.Key())
	case SetExpectedState:
		return fmt.Sprintf("set_expected_state(%s)", msg.Device.Key())
	case SendDeviceState:
		return fmt.Sprintf("send_device_state(%s)", msg.Device.Key())
	case BroadcastState:
		return "broadcast_state"
	case StoreScene:
		return fmt.Sprintf("store_scene(%s)", msg.ID)
	case EditScene:
		return fmt.Sprintf("edit_scene(%s)", msg.ID)
	case DeleteScene:
		return fmt.Sprintf("delete_scene(%s)", msg.ID)
	case ActivateScene:
		return fmt.Sprintf("activate_scene(%s)", msg.Descriptor.SceneID)
	case CycleScenes:
		return fmt.Sprintf("cycle_scenes(%d)", len(msg.Scenes))
	case Dim:
		return "dim"
	case CustomAction:
		return fmt.Sprintf("custom_action(%s)", msg.IntegrationID)
	case ForceTriggerRoutine:
		return fmt.Sprintf("force_trigger_routine(%s)", msg.RoutineID)
	case EvalExpr:
		return "eval_expr"
	default:
		return fmt.Sprintf("%T", m)
	}
}
