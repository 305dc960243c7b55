package policy

import (
	"encoding/json"
	"net/http"
	"strconv"

	"droidpool/internal/fault"
	"droidpool/internal/middleware"
	"droidpool/internal/models"

	"github.com/gorilla/mux"
)

type HTTP struct{ repo *Repo }

func NewHTTP(r *Repo) *HTTP { return &HTTP{repo: r} }

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.Handle("/policies", middleware.RequireHandler(models.RoleViewer, h.list)).Methods(http.MethodGet)
	api.Handle("/policies", middleware.RequireHandler(models.RoleAdmin, h.create)).Methods(http.MethodPost)
	api.Handle("/policies/{id}", middleware.RequireHandler(models.RoleViewer, h.get)).Methods(http.MethodGet)
	api.Handle("/policies/{id}", middleware.RequireHandler(models.RoleAdmin, h.update)).Methods(http.MethodPut, http.MethodPatch)
	api.Handle("/policies/{id}", middleware.RequireHandler(models.RoleAdmin, h.delete)).Methods(http.MethodDelete)

	api.Handle("/policies/assign-to-targets", middleware.RequireHandler(models.RoleAdmin, h.assignTargets)).Methods(http.MethodPost)
	api.Handle("/policies/remove-from-targets", middleware.RequireHandler(models.RoleAdmin, h.removeTargets)).Methods(http.MethodDelete, http.MethodPost)
	api.Handle("/policies/assign-to-users", middleware.RequireHandler(models.RoleAdmin, h.assignUsers)).Methods(http.MethodPost)
	api.Handle("/policies/remove-from-users", middleware.RequireHandler(models.RoleAdmin, h.removeUsers)).Methods(http.MethodDelete, http.MethodPost)
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
	offset, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	ps, err := h.repo.List(offset, limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, ps)
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.repo.Get(pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, p)
}

func (h *HTTP) create(w http.ResponseWriter, r *http.Request) {
	var p models.ReservationPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if p.Name == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "name required", nil)
		return
	}
	applyPolicyDefaults(&p)
	if err := h.repo.Create(&p); err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, p)
}

// applyPolicyDefaults — нулевые лимиты в запросе означают "дефолт", не ноль.
func applyPolicyDefaults(p *models.ReservationPolicy) {
	if p.MaxDurationMinutes <= 0 {
		p.MaxDurationMinutes = models.DefaultMaxDurationMinutes
	}
	if p.CooldownMinutes < 0 {
		p.CooldownMinutes = models.DefaultCooldownMinutes
	}
	if p.MaxReservationsPerDay <= 0 {
		p.MaxReservationsPerDay = models.DefaultMaxReservationsPerDay
	}
	if p.MaxReservationDaysInAdvance <= 0 {
		p.MaxReservationDaysInAdvance = models.DefaultMaxDaysInAdvance
	}
	if p.AutoExpireMinutes <= 0 {
		p.AutoExpireMinutes = models.DefaultAutoExpireMinutes
	}
}

func (h *HTTP) update(w http.ResponseWriter, r *http.Request) {
	p, err := h.repo.Get(pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	var in struct {
		Name                        *string            `json:"name"`
		Description                 *string            `json:"description"`
		MaxDurationMinutes          *int               `json:"max_duration_minutes"`
		CooldownMinutes             *int               `json:"cooldown_minutes"`
		MaxReservationsPerDay       *int               `json:"max_reservations_per_day"`
		MaxReservationDaysInAdvance *int               `json:"max_reservation_days_in_advance"`
		PriorityLevel               *int               `json:"priority_level"`
		AllowedDeviceTypes          *models.StringList `json:"allowed_device_types"`
		AllowedRoles                *models.StringList `json:"allowed_roles"`
		AutoExpireEnabled           *bool              `json:"auto_expire_enabled"`
		AutoExpireMinutes           *int               `json:"auto_expire_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if in.Name != nil {
		p.Name = *in.Name
	}
	if in.Description != nil {
		p.Description = *in.Description
	}
	if in.MaxDurationMinutes != nil {
		p.MaxDurationMinutes = *in.MaxDurationMinutes
	}
	if in.CooldownMinutes != nil {
		p.CooldownMinutes = *in.CooldownMinutes
	}
	if in.MaxReservationsPerDay != nil {
		p.MaxReservationsPerDay = *in.MaxReservationsPerDay
	}
	if in.MaxReservationDaysInAdvance != nil {
		p.MaxReservationDaysInAdvance = *in.MaxReservationDaysInAdvance
	}
	if in.PriorityLevel != nil {
		p.PriorityLevel = *in.PriorityLevel
	}
	if in.AllowedDeviceTypes != nil {
		p.AllowedDeviceTypes = *in.AllowedDeviceTypes
	}
	if in.AllowedRoles != nil {
		p.AllowedRoles = *in.AllowedRoles
	}
	if in.AutoExpireEnabled != nil {
		p.AutoExpireEnabled = *in.AutoExpireEnabled
	}
	if in.AutoExpireMinutes != nil {
		p.AutoExpireMinutes = *in.AutoExpireMinutes
	}
	if err := h.repo.Update(p); err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, p)
}

func (h *HTTP) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(pathID(r)); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type targetAssignment struct {
	PolicyID  uint   `json:"policy_id"`
	TargetIDs []uint `json:"target_ids"`
}

type userAssignment struct {
	PolicyID uint   `json:"policy_id"`
	UserIDs  []uint `json:"user_ids"`
}

func (h *HTTP) assignTargets(w http.ResponseWriter, r *http.Request) {
	var in targetAssignment
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.TargetIDs) == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "policy_id and target_ids required", nil)
		return
	}
	if err := h.repo.AssignToTargets(in.PolicyID, in.TargetIDs); err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"policy_id": in.PolicyID, "target_ids": in.TargetIDs})
}

func (h *HTTP) removeTargets(w http.ResponseWriter, r *http.Request) {
	var in targetAssignment
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.TargetIDs) == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "policy_id and target_ids required", nil)
		return
	}
	if err := h.repo.RemoveFromTargets(in.PolicyID, in.TargetIDs); err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"policy_id": in.PolicyID, "target_ids": in.TargetIDs})
}

func (h *HTTP) assignUsers(w http.ResponseWriter, r *http.Request) {
	var in userAssignment
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.UserIDs) == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "policy_id and user_ids required", nil)
		return
	}
	if err := h.repo.AssignToUsers(in.PolicyID, in.UserIDs); err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"policy_id": in.PolicyID, "user_ids": in.UserIDs})
}

func (h *HTTP) removeUsers(w http.ResponseWriter, r *http.Request) {
	var in userAssignment
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.UserIDs) == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "policy_id and user_ids required", nil)
		return
	}
	if err := h.repo.RemoveFromUsers(in.PolicyID, in.UserIDs); err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"policy_id": in.PolicyID, "user_ids": in.UserIDs})
}
