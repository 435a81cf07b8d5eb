package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"lumehub/internal/device"
	"lumehub/internal/event"
	"lumehub/internal/group"
	"lumehub/internal/scene"
)

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.state.Snapshot())
}

type stateView struct {
	Devices device.DevicesState             `json:"devices"`
	Groups  []groupView                     `json:"groups"`
	Scenes  map[device.SceneID]scene.Config `json:"scenes"`
}

// handleAPIState returns everything a frontend needs to render in one
// round trip.
func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	state := s.state.Snapshot()
	s.writeJSON(w, http.StatusOK, stateView{
		Devices: state,
		Groups:  s.groupViews(state),
		Scenes:  s.scenes.List(),
	})
}

func pathDeviceKey(r *http.Request) device.DeviceKey {
	return device.DeviceKey{
		IntegrationID: device.IntegrationID(r.PathValue("integration")),
		DeviceID:      device.DeviceID(r.PathValue("id")),
	}
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	key := pathDeviceKey(r)
	d, ok := s.state.Snapshot()[key]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

type setDeviceStateRequest struct {
	State    device.ControllableState `json:"state"`
	SkipSend bool                     `json:"skip_send,omitempty"`
}

func (s *Server) handleAPISetDeviceState(w http.ResponseWriter, r *http.Request) {
	key := pathDeviceKey(r)
	d, ok := s.state.Snapshot()[key]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	if d.IsSensor() {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device is a sensor"})
		return
	}

	var req setDeviceStateRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	s.sender.Send(event.SetExpectedState{
		Device:   d.WithControllableState(req.State),
		SetScene: false,
		SkipSend: req.SkipSend,
	})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListScenes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scenes.List())
}

type createSceneRequest struct {
	ID     device.SceneID  `json:"id"`
	Config json.RawMessage `json:"config"`
}

func (s *Server) handleAPICreateScene(w http.ResponseWriter, r *http.Request) {
	var req createSceneRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.ID == "" || len(req.Config) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and config are required"})
		return
	}

	s.sender.Send(event.StoreScene{ID: req.ID, Config: req.Config})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

type renameSceneRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPIRenameScene(w http.ResponseWriter, r *http.Request) {
	id := device.SceneID(r.PathValue("id"))
	if _, ok := s.scenes.Get(id); !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "scene not found"})
		return
	}

	var req renameSceneRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	s.sender.Send(event.EditScene{ID: id, Name: req.Name})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIDeleteScene(w http.ResponseWriter, r *http.Request) {
	id := device.SceneID(r.PathValue("id"))
	if _, ok := s.scenes.Get(id); !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "scene not found"})
		return
	}
	s.sender.Send(event.DeleteScene{ID: id})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

type activateSceneRequest struct {
	DeviceKeys []device.DeviceKey `json:"device_keys,omitempty"`
	GroupIDs   []device.GroupID   `json:"group_ids,omitempty"`
}

func (s *Server) handleAPIActivateScene(w http.ResponseWriter, r *http.Request) {
	id := device.SceneID(r.PathValue("id"))
	if _, ok := s.scenes.Get(id); !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "scene not found"})
		return
	}

	var req activateSceneRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	// An empty body activates the whole scene.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	s.sender.Send(event.ActivateScene{Descriptor: event.SceneDescriptor{
		SceneID:    id,
		DeviceKeys: req.DeviceKeys,
		GroupIDs:   req.GroupIDs,
	}})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

type groupView struct {
	ID      device.GroupID `json:"id"`
	Name    string         `json:"name"`
	State   group.State    `json:"state"`
	Devices []string       `json:"devices"`
}

func (s *Server) groupViews(state device.DevicesState) []groupView {
	views := make([]groupView, 0)
	for _, id := range s.groups.IDs() {
		v := groupView{
			ID:    id,
			Name:  s.groups.Name(id),
			State: s.groups.GroupState(state, id),
		}
		for _, key := range s.groups.FindGroupKeys(state, id) {
			v.Devices = append(v.Devices, key.String())
		}
		views = append(views, v)
	}
	return views
}

func (s *Server) handleAPIListGroups(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.groupViews(s.state.Snapshot()))
}

type dimRequest struct {
	DeviceKeys []device.DeviceKey `json:"device_keys,omitempty"`
	GroupIDs   []device.GroupID   `json:"group_ids,omitempty"`
	Step       *float64           `json:"step,omitempty"`
}

func (s *Server) handleAPIDim(w http.ResponseWriter, r *http.Request) {
	var req dimRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Step != nil && (*req.Step <= 0 || *req.Step > 1) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "step must be in (0, 1]"})
		return
	}

	s.sender.Send(event.Dim{DeviceKeys: req.DeviceKeys, GroupIDs: req.GroupIDs, Step: req.Step})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

type evalExprRequest struct {
	Expression string `json:"expression"`
}

func (s *Server) handleAPIEvalExpr(w http.ResponseWriter, r *http.Request) {
	var req evalExprRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Expression == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expression is required"})
		return
	}

	s.sender.Send(event.EvalExpr{Expression: req.Expression})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleAPITriggerRoutine(w http.ResponseWriter, r *http.Request) {
	s.sender.Send(event.ForceTriggerRoutine{RoutineID: r.PathValue("id")})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
