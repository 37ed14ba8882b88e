package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/protocol"
)

const (
	// maxTake caps the result size of message queries.
	maxTake = 1000

	// pollBatch caps the result size of one long poll. Clients resume from
	// the last timestamp they received.
	pollBatch = 100
)

// messageQuery parses start, end, names, take and skip for device history
// queries. Start and end are inclusive.
func messageQuery(q url.Values, deviceID string) (device.MessageFilter, int, error) {
	f := device.MessageFilter{DeviceIDs: []string{deviceID}, Names: splitList(q.Get("names"))}

	if v := q.Get("start"); v != "" {
		t, err := device.ParseTimestamp(v)
		if err != nil {
			return f, 0, fmt.Errorf("invalid start: %w", err)
		}
		f.After = t.Add(-time.Microsecond)
	}
	if v := q.Get("end"); v != "" {
		t, err := device.ParseTimestamp(v)
		if err != nil {
			return f, 0, fmt.Errorf("invalid end: %w", err)
		}
		f.Before = t.Add(time.Microsecond)
	}

	take, err := intParam(q, "take", maxTake)
	if err != nil {
		return f, 0, err
	}
	skip, err := intParam(q, "skip", 0)
	if err != nil {
		return f, 0, err
	}
	f.Take = min(take, maxTake) + skip
	return f, skip, nil
}

// pollQuery parses timestamp and names for long polls. Without a timestamp
// only messages newer than now are returned.
func (s *Server) pollQuery(q url.Values) (device.MessageFilter, time.Duration, error) {
	f := device.MessageFilter{Names: splitList(q.Get("names")), Take: pollBatch}

	if v := q.Get("timestamp"); v != "" {
		t, err := device.ParseTimestamp(v)
		if err != nil {
			return f, 0, fmt.Errorf("invalid timestamp: %w", err)
		}
		f.After = t
	} else {
		f.After = s.hub.Now()
	}

	def, maxWait := s.pollWait()
	wait := def
	if v := q.Get("waitTimeout"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return f, 0, fmt.Errorf("invalid waitTimeout %q", v)
		}
		wait = min(time.Duration(secs)*time.Second, maxWait)
	}
	return f, wait, nil
}

func intParam(q url.Values, name string, def int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

// splitList splits a comma-separated list, dropping empty items.
func splitList(s string) []string {
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func skipItems[T any](items []T, skip int) []T {
	if skip >= len(items) {
		return []T{}
	}
	return items[skip:]
}

// handleListNotifications returns stored notifications of a device.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, skip, err := messageQuery(r.URL.Query(), id)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if _, err := s.hub.GetDevice(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	stored, err := s.hub.ListNotifications(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationsOf(skipItems(stored, skip)))
}

// handleInsertNotification stores a notification sent by or on behalf of a device.
func (s *Server) handleInsertNotification(w http.ResponseWriter, r *http.Request) {
	var n device.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.hub.InsertNotification(r.Context(), chi.URLParam(r, "id"), &n); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// handleListCommands returns stored commands of a device.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, skip, err := messageQuery(r.URL.Query(), id)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if _, err := s.hub.GetDevice(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	stored, err := s.hub.ListCommands(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commandsOf(skipItems(stored, skip)))
}

// handleInsertCommand stores a command for a device.
func (s *Server) handleInsertCommand(w http.ResponseWriter, r *http.Request) {
	var c device.Command
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	c.UserID = principalFrom(r.Context()).UserID()
	if err := s.hub.InsertCommand(r.Context(), chi.URLParam(r, "id"), &c); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// handleGetCommand returns one command of a device.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cid, ok := commandIDParam(w, r)
	if !ok {
		return
	}
	c, err := s.hub.GetCommand(r.Context(), chi.URLParam(r, "id"), cid)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleUpdateCommand stores the status and result a device reports for a command.
func (s *Server) handleUpdateCommand(w http.ResponseWriter, r *http.Request) {
	cid, ok := commandIDParam(w, r)
	if !ok {
		return
	}
	var upd device.CommandUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if _, err := s.hub.UpdateCommand(r.Context(), chi.URLParam(r, "id"), cid, upd); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePollCommandResult waits for a device to report the result of a
// command. 204 means the wait elapsed without a result.
func (s *Server) handlePollCommandResult(w http.ResponseWriter, r *http.Request) {
	cid, ok := commandIDParam(w, r)
	if !ok {
		return
	}
	_, wait, err := s.pollQuery(r.URL.Query())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	c, err := s.hub.WaitCommandResult(r.Context(), chi.URLParam(r, "id"), cid, wait)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if c == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handlePollDeviceNotifications long-polls notifications of one device.
func (s *Server) handlePollDeviceNotifications(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, wait, err := s.pollQuery(r.URL.Query())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if _, err := s.hub.GetDevice(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	f.DeviceIDs = []string{id}

	items, err := s.hub.PollNotifications(r.Context(), f, wait)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationsOf(items))
}

// handlePollDeviceCommands long-polls commands of one device.
func (s *Server) handlePollDeviceCommands(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, wait, err := s.pollQuery(r.URL.Query())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if _, err := s.hub.GetDevice(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	f.DeviceIDs = []string{id}

	items, err := s.hub.PollCommands(r.Context(), f, wait)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commandsOf(items))
}

// handlePollNotifications long-polls notifications of several devices.
//
// Query parameters:
//   - deviceGuids: comma-separated device IDs (empty = all devices)
//   - names: comma-separated notification names (empty = all)
//   - timestamp: return notifications newer than this
//   - waitTimeout: seconds to wait, capped by the server maximum
func (s *Server) handlePollNotifications(w http.ResponseWriter, r *http.Request) {
	f, wait, ok := s.crossDevicePoll(w, r)
	if !ok {
		return
	}
	items, err := s.hub.PollNotifications(r.Context(), f, wait)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]protocol.DeviceNotification, 0, len(items))
	for i := range items {
		out = append(out, protocol.DeviceNotification{
			DeviceGUID:   items[i].DeviceID,
			Notification: &items[i].Notification,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePollCommands long-polls commands of several devices.
// See handlePollNotifications for the query parameters.
func (s *Server) handlePollCommands(w http.ResponseWriter, r *http.Request) {
	f, wait, ok := s.crossDevicePoll(w, r)
	if !ok {
		return
	}
	items, err := s.hub.PollCommands(r.Context(), f, wait)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]protocol.DeviceCommand, 0, len(items))
	for i := range items {
		out = append(out, protocol.DeviceCommand{
			DeviceGUID: items[i].DeviceID,
			Command:    &items[i].Command,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) crossDevicePoll(w http.ResponseWriter, r *http.Request) (device.MessageFilter, time.Duration, bool) {
	f, wait, err := s.pollQuery(r.URL.Query())
	if err != nil {
		writeBadRequest(w, err.Error())
		return f, 0, false
	}
	f.DeviceIDs = splitList(r.URL.Query().Get("deviceGuids"))

	p := principalFrom(r.Context())
	if p.Device != nil {
		if slices.ContainsFunc(f.DeviceIDs, func(id string) bool { return !p.CanAccessDevice(id) }) {
			writeForbidden(w, "access to this device is not allowed")
			return f, 0, false
		}
		f.DeviceIDs = []string{p.Device.ID}
	}
	return f, wait, true
}

func commandIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	cid, err := strconv.ParseInt(chi.URLParam(r, "commandID"), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid command id")
		return 0, false
	}
	return cid, true
}

func notificationsOf(items []device.DeviceNotification) []device.Notification {
	out := make([]device.Notification, 0, len(items))
	for _, it := range items {
		out = append(out, it.Notification)
	}
	return out
}

func commandsOf(items []device.DeviceCommand) []device.Command {
	out := make([]device.Command, 0, len(items))
	for _, it := range items {
		out = append(out, it.Command)
	}
	return out
}
