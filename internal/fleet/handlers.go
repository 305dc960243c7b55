package fleet

import (
	"crypto/subtle"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"droidpool/internal/events"
	"droidpool/internal/fault"
	"droidpool/internal/middleware"
	"droidpool/internal/models"

	"github.com/gorilla/mux"
)

// HTTP — REST-поверхность парка плюс незащищённый JWT канал агентов
// шлюзов (аутентификация общим секретом).
type HTTP struct {
	repo    *Repo
	rc      *Reconciler
	sweeper *Sweeper
	sink    events.Sink
	secret  string
}

func NewHTTP(repo *Repo, rc *Reconciler, sweeper *Sweeper, sink events.Sink, agentSecret string) *HTTP {
	return &HTTP{repo: repo, rc: rc, sweeper: sweeper, sink: sink, secret: agentSecret}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.Handle("/targets", middleware.RequireHandler(models.RoleViewer, h.list)).Methods(http.MethodGet)
	api.Handle("/targets", middleware.RequireHandler(models.RoleAdmin, h.create)).Methods(http.MethodPost)
	api.Handle("/targets/stats", middleware.RequireHandler(models.RoleViewer, h.stats)).Methods(http.MethodGet)
	api.Handle("/targets/export", middleware.RequireHandler(models.RoleViewer, h.export)).Methods(http.MethodGet)
	api.Handle("/targets/import", middleware.RequireHandler(models.RoleAdmin, h.importTargets)).Methods(http.MethodPost)
	api.Handle("/targets/bulk-tag", middleware.RequireHandler(models.RoleAdmin, h.bulkTag)).Methods(http.MethodPost)
	api.Handle("/targets/bulk-purpose", middleware.RequireHandler(models.RoleAdmin, h.bulkPurpose)).Methods(http.MethodPost)
	api.Handle("/targets/remove-stale", middleware.RequireHandler(models.RoleAdmin, h.removeStale)).Methods(http.MethodPost)
	api.Handle("/targets/{id}", middleware.RequireHandler(models.RoleViewer, h.get)).Methods(http.MethodGet)
	api.Handle("/targets/{id}", middleware.RequireHandler(models.RoleAdmin, h.update)).Methods(http.MethodPut, http.MethodPatch)
	api.Handle("/targets/{id}", middleware.RequireHandler(models.RoleAdmin, h.delete)).Methods(http.MethodDelete)
	api.Handle("/targets/{id}/deactivate", middleware.RequireHandler(models.RoleAdmin, h.deactivate)).Methods(http.MethodPost)
	api.Handle("/targets/{id}/refresh", middleware.RequireHandler(models.RoleTester, h.refresh)).Methods(http.MethodPost)
}

// RegisterAgentRoutes — канал агентов вне JWT-цепочки; вешается на
// роутер до Authenticator.
func (h *HTTP) RegisterAgentRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/agent/heartbeat/{gateway_id}", h.agentHeartbeat).Methods(http.MethodPost)
}

func (h *HTTP) agentAuthorized(r *http.Request) bool {
	if h.secret == "" {
		return false
	}
	key := r.Header.Get("X-Agent-Key")
	if key == "" {
		key = r.URL.Query().Get("key")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.secret)) == 1
}

func (h *HTTP) agentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !h.agentAuthorized(r) {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "invalid agent key", nil)
		return
	}
	gatewayID := mux.Vars(r)["gateway_id"]
	var batch []ReportedDevice
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	res, err := h.rc.ApplyHeartbeat(gatewayID, batch, time.Now().UTC())
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func writeFault(w http.ResponseWriter, err error) {
	switch fault.KindOf(err) {
	case fault.NotFound:
		models.WriteProblem(w, http.StatusNotFound, "Not found", err.Error(), fault.AttachOf(err))
	case fault.Conflict:
		models.WriteProblem(w, http.StatusConflict, "Conflict", err.Error(), fault.AttachOf(err))
	case fault.PolicyViolation:
		models.WriteProblem(w, http.StatusUnprocessableEntity, "Policy violation", err.Error(), fault.AttachOf(err))
	case fault.Transient:
		models.WriteProblem(w, http.StatusServiceUnavailable, "Temporarily unavailable", err.Error(), nil)
	default:
		models.WriteProblem(w, http.StatusInternalServerError, "Internal error", err.Error(), nil)
	}
}

func pathID(r *http.Request) uint {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return uint(id)
}

func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ListFilter{
		GatewayID: q.Get("gateway_id"),
		Tag:       q.Get("tag"),
		Purpose:   q.Get("purpose"),
		Search:    q.Get("search"),
	}
	f.Offset, _ = strconv.Atoi(q.Get("skip"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	for _, s := range q["status"] {
		f.Status = append(f.Status, models.DeviceStatus(s))
	}
	for _, t := range q["device_type"] {
		f.DeviceType = append(f.DeviceType, models.DeviceType(t))
	}
	if v := q.Get("is_active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			f.IsActive = &b
		}
	}
	if v := q.Get("min_health"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			f.MinHealth = &n
		}
	}
	out, err := h.repo.List(f)
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	d, err := h.repo.Get(pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, d)
}

func (h *HTTP) stats(w http.ResponseWriter, _ *http.Request) {
	s, err := h.repo.Stats()
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, s)
}

// create — ручная регистрация (устройства вне агентного контура:
// эмуляторы ферм, облачные виртуалки).
func (h *HTTP) create(w http.ResponseWriter, r *http.Request) {
	var d models.TargetDevice
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if d.Name == "" || d.GatewayID == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "name and gateway_id required", nil)
		return
	}
	if d.DeviceType == "" {
		d.DeviceType = models.DevicePhysical
	}
	if d.Status == "" {
		d.Status = models.DeviceOffline
	}
	if d.HeartbeatIntervalSeconds <= 0 {
		d.HeartbeatIntervalSeconds = 10
	}
	d.IsActive = true

	if d.SerialNumber != "" {
		if existing, found, err := h.repo.FindBySerial(d.SerialNumber); err != nil {
			writeFault(w, err)
			return
		} else if found {
			writeFault(w, fault.Newf(fault.Conflict, "serial %q already registered", d.SerialNumber).With(existing.ID))
			return
		}
	}
	if _, found, err := h.repo.FindByGatewayAndName(d.GatewayID, d.Name); err != nil {
		writeFault(w, err)
		return
	} else if found {
		writeFault(w, fault.Newf(fault.Conflict, "target %q already exists on gateway %s", d.Name, d.GatewayID))
		return
	}
	if err := h.repo.Create(&d); err != nil {
		writeFault(w, err)
		return
	}
	h.publish(events.TargetRegistered, &d, map[string]any{"manual": true})
	models.WriteJSON(w, http.StatusCreated, d)
}

func (h *HTTP) update(w http.ResponseWriter, r *http.Request) {
	d, err := h.repo.Get(pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	var in struct {
		Name                     *string              `json:"name"`
		Status                   *models.DeviceStatus `json:"status"`
		Location                 *string              `json:"location"`
		Tags                     *models.StringList   `json:"tags"`
		Purpose                  *models.StringList   `json:"purpose"`
		HeartbeatIntervalSeconds *int                 `json:"heartbeat_interval_seconds"`
		HealthScore              *int                 `json:"health_score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if in.Status != nil {
		// ручной перевод в reserved идёт только через брони
		if *in.Status == models.DeviceReserved {
			models.WriteProblem(w, http.StatusBadRequest, "Bad request",
				"reserved is managed by the reservation lifecycle", nil)
			return
		}
		d.Status = *in.Status
	}
	if in.Name != nil {
		d.Name = *in.Name
	}
	if in.Location != nil {
		d.Location = *in.Location
	}
	if in.Tags != nil {
		d.Tags = *in.Tags
	}
	if in.Purpose != nil {
		d.Purpose = *in.Purpose
	}
	if in.HeartbeatIntervalSeconds != nil && *in.HeartbeatIntervalSeconds > 0 {
		d.HeartbeatIntervalSeconds = *in.HeartbeatIntervalSeconds
	}
	if in.HealthScore != nil {
		d.HealthScore = in.HealthScore
		t := time.Now().UTC()
		d.HealthCheckAt = &t
	}
	if err := h.repo.Save(d); err != nil {
		writeFault(w, err)
		return
	}
	h.publish(events.TargetUpdated, d, nil)
	models.WriteJSON(w, http.StatusOK, d)
}

func (h *HTTP) deactivate(w http.ResponseWriter, r *http.Request) {
	d, err := h.repo.Get(pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	if d.Status == models.DeviceReserved {
		writeFault(w, fault.Newf(fault.Conflict, "target %d is reserved", d.ID))
		return
	}
	d.IsActive = false
	d.Status = models.DeviceMaintenance
	if err := h.repo.Save(d); err != nil {
		writeFault(w, err)
		return
	}
	h.publish(events.TargetRemoved, d, map[string]any{"deactivated": true})
	models.WriteJSON(w, http.StatusOK, d)
}

func (h *HTTP) delete(w http.ResponseWriter, r *http.Request) {
	d, err := h.repo.Get(pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	if d.Status == models.DeviceReserved {
		writeFault(w, fault.Newf(fault.Conflict, "target %d is reserved", d.ID))
		return
	}
	if err := h.repo.DB().Delete(d).Error; err != nil {
		writeFault(w, err)
		return
	}
	h.publish(events.TargetRemoved, d, nil)
	w.WriteHeader(http.StatusNoContent)
}

// refresh — попросить агента пересканировать устройство. Сама просьба
// уходит событием; исполнение — на стороне агента.
func (h *HTTP) refresh(w http.ResponseWriter, r *http.Request) {
	d, err := h.repo.Get(pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	h.publish(events.TargetRefresh, d, nil)
	models.WriteJSON(w, http.StatusAccepted, map[string]any{"target_id": d.ID, "requested": true})
}

type bulkListUpdate struct {
	TargetIDs []uint   `json:"target_ids"`
	Values    []string `json:"values"`
	Replace   bool     `json:"replace"`
}

func (h *HTTP) bulkTag(w http.ResponseWriter, r *http.Request) {
	h.bulkList(w, r, func(d *models.TargetDevice, vals models.StringList, replace bool) {
		d.Tags = mergeList(d.Tags, vals, replace)
	})
}

func (h *HTTP) bulkPurpose(w http.ResponseWriter, r *http.Request) {
	h.bulkList(w, r, func(d *models.TargetDevice, vals models.StringList, replace bool) {
		d.Purpose = mergeList(d.Purpose, vals, replace)
	})
}

func (h *HTTP) bulkList(w http.ResponseWriter, r *http.Request, apply func(*models.TargetDevice, models.StringList, bool)) {
	var in bulkListUpdate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.TargetIDs) == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "target_ids and values required", nil)
		return
	}
	updated := make([]uint, 0, len(in.TargetIDs))
	failed := map[uint]string{}
	for _, id := range in.TargetIDs {
		d, err := h.repo.Get(id)
		if err != nil {
			failed[id] = err.Error()
			continue
		}
		apply(d, in.Values, in.Replace)
		if err := h.repo.Save(d); err != nil {
			failed[id] = err.Error()
			continue
		}
		updated = append(updated, id)
		h.publish(events.TargetTagged, d, map[string]any{"values": in.Values})
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"updated": updated, "failed": failed})
}

func mergeList(cur, add models.StringList, replace bool) models.StringList {
	if replace {
		return add
	}
	out := cur
	for _, v := range add {
		if !out.Contains(v) {
			out = append(out, v)
		}
	}
	return out
}

func (h *HTTP) removeStale(w http.ResponseWriter, r *http.Request) {
	var in struct {
		OlderThanHours int    `json:"older_than_hours"`
		GatewayID      string `json:"gateway_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if in.OlderThanHours <= 0 {
		in.OlderThanHours = 24
	}
	removed, err := h.sweeper.RemoveStale(time.Now().UTC(),
		time.Duration(in.OlderThanHours)*time.Hour, in.GatewayID)
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"removed": removed, "count": len(removed)})
}

func (h *HTTP) export(w http.ResponseWriter, r *http.Request) {
	out, err := h.repo.List(ListFilter{Limit: 1000, GatewayID: r.URL.Query().Get("gateway_id")})
	if err != nil {
		writeFault(w, err)
		return
	}
	if h.sink != nil {
		h.sink.Publish(events.Event{Type: events.TargetExported, Details: map[string]any{"count": len(out)}})
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="targets.csv"`)
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"id", "name", "gateway_id", "device_type", "serial_number",
			"status", "android_version", "manufacturer", "device_model", "location"})
		for _, d := range out {
			_ = cw.Write([]string{
				strconv.FormatUint(uint64(d.ID), 10), d.Name, d.GatewayID, string(d.DeviceType),
				d.SerialNumber, string(d.Status), d.AndroidVersion, d.Manufacturer,
				d.DeviceModel, d.Location,
			})
		}
		cw.Flush()
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

// importTargets — массовая загрузка; каждая строка независима, итог —
// partial success со списком ошибок.
func (h *HTTP) importTargets(w http.ResponseWriter, r *http.Request) {
	var in []models.TargetDevice
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	created := 0
	var errs []string
	for i := range in {
		d := in[i]
		d.ID = 0
		if d.Name == "" || d.GatewayID == "" {
			errs = append(errs, d.Name+": name and gateway_id required")
			continue
		}
		if d.Status == "" {
			d.Status = models.DeviceOffline
		}
		if d.DeviceType == "" {
			d.DeviceType = models.DevicePhysical
		}
		if d.HeartbeatIntervalSeconds <= 0 {
			d.HeartbeatIntervalSeconds = 10
		}
		d.IsActive = true
		if _, found, err := h.repo.FindByGatewayAndName(d.GatewayID, d.Name); err != nil {
			errs = append(errs, d.Name+": "+err.Error())
			continue
		} else if found {
			errs = append(errs, d.Name+": already exists")
			continue
		}
		if err := h.repo.Create(&d); err != nil {
			errs = append(errs, d.Name+": "+err.Error())
			continue
		}
		created++
	}
	if h.sink != nil {
		h.sink.Publish(events.Event{Type: events.TargetImported, Details: map[string]any{"created": created}})
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"created": created, "errors": errs})
}

func (h *HTTP) publish(t events.Type, d *models.TargetDevice, details map[string]any) {
	if h.sink == nil {
		return
	}
	h.sink.Publish(events.Event{
		Type:     t,
		Subjects: events.Subjects{TargetID: d.ID, GatewayID: d.GatewayID},
		Details:  details,
	})
}
