package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"lumehub/internal/device"
	"lumehub/internal/event"
	"lumehub/internal/scene"
	"lumehub/internal/store"
)

// handle routes one event. Called with the hub lock held.
func (h *Hub) handle(ctx context.Context, m event.Message) error {
	switch msg := m.(type) {
	case event.ObservedState:
		return h.devices.HandleObservedState(msg.Device)

	case event.InternalStateUpdate:
		h.handleInternalStateUpdate(msg)
		return nil

	case event.SetExpectedState:
		h.devices.SetDeviceState(msg.Device, msg.SetScene, false, msg.SkipSend)
		return nil

	case event.SendDeviceState:
		// Outbound dispatch is best-effort; a failed send surfaces in the
		// next observation as drift.
		if err := h.registry.SendDeviceState(ctx, msg.Device); err != nil {
			h.logger.Warn("device dispatch failed", "device", msg.Device.Key(), "err", err)
		}
		return nil

	case event.BroadcastState:
		if h.broadcaster != nil {
			h.broadcaster.BroadcastState(h.devices.Snapshot())
		}
		return nil

	case event.StoreScene:
		if err := h.db.SaveScene(store.StoredScene{ID: msg.ID, Config: msg.Config}); err != nil {
			return fmt.Errorf("store scene %s: %w", msg.ID, err)
		}
		return h.refreshScenesAndBroadcast()

	case event.EditScene:
		err := h.db.UpdateScene(msg.ID, func(sc *store.StoredScene) error {
			var cfg scene.Config
			if err := json.Unmarshal(sc.Config, &cfg); err != nil {
				return err
			}
			cfg.Name = msg.Name
			out, err := json.Marshal(cfg)
			if err != nil {
				return err
			}
			sc.Config = out
			return nil
		})
		if err != nil {
			return fmt.Errorf("edit scene %s: %w", msg.ID, err)
		}
		return h.refreshScenesAndBroadcast()

	case event.DeleteScene:
		if err := h.db.DeleteScene(msg.ID); err != nil {
			return fmt.Errorf("delete scene %s: %w", msg.ID, err)
		}
		return h.refreshScenesAndBroadcast()

	case event.ActivateScene:
		return h.devices.ActivateScene(msg.Descriptor)

	case event.CycleScenes:
		return h.devices.CycleScenes(msg.Scenes, msg.NoWrap)

	case event.Dim:
		h.devices.Dim(msg.DeviceKeys, msg.GroupIDs, msg.Step)
		return nil

	case event.CustomAction:
		return h.registry.RunCustomAction(ctx, msg.IntegrationID, msg.Payload)

	case event.ForceTriggerRoutine:
		return h.rules.ForceTrigger(msg.RoutineID)

	case event.EvalExpr:
		return h.handleEvalExpr(msg.Expression)

	default:
		return fmt.Errorf("unhandled event %T", m)
	}
}

// handleInternalStateUpdate fans a committed mutation out to the derived
// subsystems: expression cache, routines and live subscribers.
func (h *Hub) handleInternalStateUpdate(msg event.InternalStateUpdate) {
	h.expr.Refresh(msg.NewState)

	if msg.Old == nil {
		h.logger.Debug("state update", "device", msg.New.Key(), "old", "<none>")
	} else if changedIDs := h.groups.Invalidate(msg.New); len(changedIDs) > 0 {
		sceneIDs := h.scenes.Invalidate(msg.New, msg.NewState)
		h.logger.Debug("state update", "device", msg.New.Key(), "groups", changedIDs, "scenes", sceneIDs)
	}

	h.rules.HandleStateUpdate()
	h.bus.Send(event.BroadcastState{})
}

func (h *Hub) refreshScenesAndBroadcast() error {
	if err := h.scenes.RefreshStoredScenes(); err != nil {
		return err
	}
	h.bus.Send(event.BroadcastState{})
	return nil
}

// handleEvalExpr evaluates a standalone expression action. Boolean
// results are logged; a string of the form "activate_scene:<id>" turns
// into a scene activation.
func (h *Hub) handleEvalExpr(expression string) error {
	result, err := h.expr.Eval(expression)
	if err != nil {
		return err
	}

	if s, ok := result.(string); ok {
		if sceneID, ok := strings.CutPrefix(s, "activate_scene:"); ok && sceneID != "" {
			h.bus.Send(event.ActivateScene{Descriptor: event.SceneDescriptor{
				SceneID: device.SceneID(sceneID),
			}})
			return nil
		}
	}

	h.logger.Info("expression evaluated", "expression", expression, "result", result)
	return nil
}
