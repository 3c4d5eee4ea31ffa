package api

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/guido-cesarano/pipelined/pkg/logger"
	"github.com/guido-cesarano/pipelined/pkg/pipeline"
	"github.com/guido-cesarano/pipelined/pkg/queue"
	"github.com/guido-cesarano/pipelined/pkg/registry"
	"github.com/guido-cesarano/pipelined/pkg/tasks"
	"github.com/guido-cesarano/pipelined/pkg/upload"
)

const inspectLimit = 50

type UploadTaskRequest struct {
	Name   string `json:"name"`
	Target string `json:"target"`
	Folder string `json:"folder"`
	Period int    `json:"period"`
}

type UploadRequest struct {
	Path   string `json:"path"`
	Folder string `json:"folder"`
}

type SensorRequest struct {
	Sensor string `json:"sensor"`
	Period int    `json:"period"`
}

type ScheduleRequest struct {
	Enabled bool `json:"enabled"`
	Period  int  `json:"period"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tasks.ErrInvalidEntry),
		errors.Is(err, pipeline.ErrUnknownProbe),
		errors.Is(err, pipeline.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, os.ErrNotExist), errors.Is(err, registry.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrScheduleExists):
		return http.StatusConflict
	case errors.Is(err, upload.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.Log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeError(w, code, err.Error())
}

func (a *App) listUploadTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": a.Uploads.Tasks()})
}

func (a *App) addUploadTask(w http.ResponseWriter, r *http.Request) {
	var req UploadTaskRequest
	if !decode(w, r, &req) {
		return
	}
	added, err := a.Uploads.AddUploadTask(r.Context(), req.Name, req.Target, req.Folder, req.Period)
	if err != nil {
		fail(w, r, err)
		return
	}
	code := http.StatusOK
	if added {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]bool{"added": added})
}

func (a *App) updateUploadTask(w http.ResponseWriter, r *http.Request) {
	var req UploadTaskRequest
	if !decode(w, r, &req) {
		return
	}
	name := chi.URLParam(r, "name")
	if err := a.Uploads.UpdateUploadTask(r.Context(), name, req.Target, req.Folder, req.Period); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (a *App) removeUploadTask(w http.ResponseWriter, r *http.Request) {
	removed, err := a.Uploads.RemoveUploadTask(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (a *App) uploadNow(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "missing path")
		return
	}
	if a.Limiter != nil {
		wait, err := a.Limiter.Reserve(r.Context(), "uploads:"+caller(r), 1)
		if err != nil {
			logger.Log.Warn().Err(err).Msg("Rate limiter unavailable, allowing request")
		} else if wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "too many upload requests")
			return
		}
	}

	queued, err := a.Uploads.UploadNow(r.Context(), req.Path, req.Folder)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

// caller identifies the client of a request for rate limiting.
func caller(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *App) uploadDB(w http.ResponseWriter, r *http.Request) {
	queued, err := a.Sensors.UploadDB(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

func (a *App) uploadStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Uploads.Status(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *App) setNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WifiOnly bool `json:"wifi_only"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := a.Uploads.SetWifiOnly(r.Context(), req.WifiOnly); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"wifi_only": req.WifiOnly})
}

func (a *App) queueDepths(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"queues": a.Queues.Depths()}
	if a.Journal != nil {
		resp["history"] = a.Journal.Depths(r.Context(), string(upload.KindRegular), string(upload.KindDatabase))
	}
	if a.Schedules != nil {
		resp["schedules"] = a.Schedules.Registrations()
	}
	writeJSON(w, http.StatusOK, resp)
}

// historyList validates the queue and list URL parameters.
func (a *App) historyList(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	if a.Journal == nil {
		writeError(w, http.StatusNotFound, "upload history is not enabled")
		return "", "", false
	}
	q, list := chi.URLParam(r, "queue"), chi.URLParam(r, "list")
	if _, err := a.Queues.Queue(upload.Kind(q)); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", "", false
	}
	if list != queue.ListCompleted && list != queue.ListDeadLetter {
		writeError(w, http.StatusNotFound, "unknown list "+list)
		return "", "", false
	}
	return q, list, true
}

func (a *App) inspectHistory(w http.ResponseWriter, r *http.Request) {
	q, list, ok := a.historyList(w, r)
	if !ok {
		return
	}
	limit := int64(inspectLimit)
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	records, err := a.Journal.Inspect(r.Context(), q, list, limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

func (a *App) purgeHistory(w http.ResponseWriter, r *http.Request) {
	q, list, ok := a.historyList(w, r)
	if !ok {
		return
	}
	if err := a.Journal.Purge(r.Context(), q, list); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) listSensors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"probes":              a.Sensors.Probes(),
		"collections":         a.Sensors.Collections(),
		"schedules":           a.Sensors.Schedules(),
		"hide_sensitive_data": a.Sensors.HideSensitiveData(),
	})
}

func (a *App) addSensor(w http.ResponseWriter, r *http.Request) {
	var req SensorRequest
	if !decode(w, r, &req) {
		return
	}
	added, err := a.Sensors.AddSensorCollection(r.Context(), req.Sensor, req.Period)
	if err != nil {
		fail(w, r, err)
		return
	}
	code := http.StatusOK
	if added {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]bool{"added": added})
}

func (a *App) updateSensor(w http.ResponseWriter, r *http.Request) {
	var req SensorRequest
	if !decode(w, r, &req) {
		return
	}
	sensor := chi.URLParam(r, "sensor")
	if err := a.Sensors.UpdateSensorCollection(r.Context(), sensor, req.Period); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sensor": sensor})
}

func (a *App) removeSensor(w http.ResponseWriter, r *http.Request) {
	removed, err := a.Sensors.RemoveSensorCollection(r.Context(), chi.URLParam(r, "sensor"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (a *App) setSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !decode(w, r, &req) {
		return
	}
	action := chi.URLParam(r, "action")
	if err := a.Sensors.SetSchedule(r.Context(), action, req.Enabled, req.Period); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"action": action, "enabled": req.Enabled})
}

func (a *App) setPrivacy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HideSensitiveData bool `json:"hide_sensitive_data"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := a.Sensors.SetHideSensitiveData(r.Context(), req.HideSensitiveData); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"hide_sensitive_data": req.HideSensitiveData})
}

func (a *App) export(w http.ResponseWriter, r *http.Request) {
	path, err := a.Sensors.Export(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"file": path})
}
