package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hivehub/internal/audit"
	"github.com/nerrad567/hivehub/internal/device"
)

// handleListNetworks returns every network. Network keys are only shown to
// administrators.
func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	networks, err := s.hub.ListNetworks(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if networks == nil {
		networks = []device.Network{}
	}
	if !principalFrom(r.Context()).IsAdmin() {
		for i := range networks {
			networks[i].Key = ""
		}
	}
	writeJSON(w, http.StatusOK, networks)
}

// handleGetNetwork returns one network.
func (s *Server) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "networkID"), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid network id")
		return
	}
	n, err := s.hub.GetNetwork(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !principalFrom(r.Context()).IsAdmin() {
		n.Key = ""
	}
	writeJSON(w, http.StatusOK, n)
}

// handleListDevices returns the devices visible to the caller. A device
// only sees itself.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p.Device != nil {
		writeJSON(w, http.StatusOK, []device.Device{*s.redactDevice(p, p.Device)})
		return
	}

	devices, err := s.hub.ListDevices(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]device.Device, 0, len(devices))
	for i := range devices {
		out = append(out, *s.redactDevice(p, &devices[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.hub.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.redactDevice(principalFrom(r.Context()), d))
}

// handleSaveDevice registers a device or updates a registered one.
//
// Fields left empty in the body keep their stored values. The device ID is
// taken from the path; a different ID in the body is rejected.
func (s *Server) handleSaveDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var d device.Device
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if d.ID != "" && !strings.EqualFold(d.ID, id) {
		writeBadRequest(w, "device id in body does not match path")
		return
	}
	d.ID = id

	if err := s.hub.SaveDevice(r.Context(), &d); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	s.logger.Info("device saved", "device_id", id, "by", p.String())
	s.recordAudit(r.Context(), p, audit.SourceREST, audit.ActionSave, audit.EntityDevice, id, deviceDetails(&d))
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteDevice removes a device with its messages.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.hub.DeleteDevice(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	s.logger.Info("device deleted", "device_id", id, "by", p.String())
	s.recordAudit(r.Context(), p, audit.SourceREST, audit.ActionDelete, audit.EntityDevice, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetEquipment returns the last state of each equipment of a device.
func (s *Server) handleGetEquipment(w http.ResponseWriter, r *http.Request) {
	states, err := s.hub.EquipmentState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if states == nil {
		states = []device.EquipmentState{}
	}
	writeJSON(w, http.StatusOK, states)
}

// redactDevice hides the device and network keys from callers other than
// administrators and the device itself.
func (s *Server) redactDevice(p *Principal, d *device.Device) *device.Device {
	out := d.Clone()
	if p.IsAdmin() {
		return out
	}
	if out.Network != nil {
		out.Network.Key = ""
	}
	if p.Device == nil || !strings.EqualFold(p.Device.ID, d.ID) {
		out.Key = ""
	}
	return out
}

// deviceDetails summarises a saved device for the audit trail. Keys are
// never recorded.
func deviceDetails(d *device.Device) map[string]any {
	details := map[string]any{}
	if d.Name != "" {
		details["name"] = d.Name
	}
	if d.Status != "" {
		details["status"] = d.Status
	}
	if d.Network != nil && d.Network.Name != "" {
		details["network"] = d.Network.Name
	}
	if d.DeviceClass != nil && d.DeviceClass.Name != "" {
		details["deviceClass"] = d.DeviceClass.Name + " " + d.DeviceClass.Version
	}
	return details
}
