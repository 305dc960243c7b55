package reservations

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"droidpool/internal/fault"
	"droidpool/internal/middleware"
	"droidpool/internal/models"

	"github.com/gorilla/mux"
)

type HTTP struct {
	repo      *Repo
	mgr       *Manager
	admission *Admission
	sweeper   *Sweeper
}

func NewHTTP(repo *Repo, mgr *Manager, adm *Admission, sweeper *Sweeper) *HTTP {
	return &HTTP{repo: repo, mgr: mgr, admission: adm, sweeper: sweeper}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.Handle("/targets/{id}/availability", middleware.RequireHandler(models.RoleViewer, h.availability)).Methods(http.MethodGet)

	api.Handle("/reservations", middleware.RequireHandler(models.RoleViewer, h.list)).Methods(http.MethodGet)
	api.Handle("/reservations", middleware.RequireHandler(models.RoleTester, h.create)).Methods(http.MethodPost)
	api.Handle("/reservations/my", middleware.RequireHandler(models.RoleViewer, h.my)).Methods(http.MethodGet)
	api.Handle("/reservations/admin-override", middleware.RequireHandler(models.RoleAdmin, h.override)).Methods(http.MethodPost)
	api.Handle("/reservations/expire-stale", middleware.RequireHandler(models.RoleAdmin, h.expireStale)).Methods(http.MethodPost)
	api.Handle("/reservations/{id}", middleware.RequireHandler(models.RoleViewer, h.get)).Methods(http.MethodGet)
	api.Handle("/reservations/{id}", middleware.RequireHandler(models.RoleTester, h.update)).Methods(http.MethodPut, http.MethodPatch)
	api.Handle("/reservations/{id}", middleware.RequireHandler(models.RoleTester, h.delete)).Methods(http.MethodDelete)
	api.Handle("/reservations/{id}/status", middleware.RequireHandler(models.RoleTester, h.updateStatus)).Methods(http.MethodPost)
	api.Handle("/reservations/{id}/cancel", middleware.RequireHandler(models.RoleTester, h.cancel)).Methods(http.MethodPost)
	api.Handle("/reservations/{id}/touch", middleware.RequireHandler(models.RoleTester, h.touch)).Methods(http.MethodPost)
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

func parseWindow(q map[string][]string) (time.Time, time.Time, error) {
	get := func(k string) string {
		if v, ok := q[k]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	start, err := time.Parse(time.RFC3339, get("start"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := time.Parse(time.RFC3339, get("end"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// availability — read-only прогон допуска: решение без записи.
func (h *HTTP) availability(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.GetIdentity(r)
	if !ok {
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "not authenticated", nil)
		return
	}
	start, end, err := parseWindow(r.URL.Query())
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "start and end must be RFC3339", nil)
		return
	}
	userID := id.UserID
	if v := r.URL.Query().Get("user_id"); v != "" && id.Role.Satisfies(models.RoleAdmin) {
		n, _ := strconv.ParseUint(v, 10, 64)
		userID = uint(n)
	}
	dec, err := h.admission.Check(h.repo.DB(), Request{
		UserID: userID, Role: id.Role, TargetID: pathID(r),
		Start: start, End: end,
	}, time.Now().UTC())
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, dec)
}

// list — админ видит всё, остальные — только своё.
func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	q := r.URL.Query()
	f := ListFilter{}
	f.Offset, _ = strconv.Atoi(q.Get("skip"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	for _, s := range q["status"] {
		f.Status = append(f.Status, models.ReservationStatus(s))
	}
	if v := q.Get("target_id"); v != "" {
		n, _ := strconv.ParseUint(v, 10, 64)
		f.TargetID = uint(n)
	}
	if id.Role.Satisfies(models.RoleAdmin) {
		if v := q.Get("user_id"); v != "" {
			n, _ := strconv.ParseUint(v, 10, 64)
			f.UserID = uint(n)
		}
	} else {
		f.UserID = id.UserID
	}
	out, err := h.repo.List(f)
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) my(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	out, err := h.repo.List(ListFilter{UserID: id.UserID})
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	res, err := h.repo.Get(pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	if res.UserID != id.UserID && !id.Role.Satisfies(models.RoleAdmin) {
		models.WriteProblem(w, http.StatusNotFound, "Not found", "reservation not found", nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *HTTP) create(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	var in CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if in.TargetID == 0 || in.StartTime.IsZero() || in.EndTime.IsZero() {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request",
			"target_id, start_time and end_time required", nil)
		return
	}
	res, err := h.mgr.Create(id.UserID, id.Role, in)
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, res)
}

func (h *HTTP) override(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	var in struct {
		CreateInput
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	res, err := h.mgr.CreateOverride(id.UserID, in.CreateInput, in.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, res)
}

func (h *HTTP) update(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	var in UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	res, err := h.mgr.Update(pathID(r), id.UserID, id.Role, id.Role.Satisfies(models.RoleAdmin), in)
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *HTTP) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	var in struct {
		Status models.ReservationStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Status == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "status required", nil)
		return
	}
	res, err := h.mgr.UpdateStatus(pathID(r), in.Status, id.UserID, id.Role.Satisfies(models.RoleAdmin))
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *HTTP) cancel(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	res, err := h.mgr.Cancel(pathID(r), id.UserID, id.Role.Satisfies(models.RoleAdmin))
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

func (h *HTTP) delete(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	if err := h.mgr.Delete(pathID(r), id.UserID, id.Role.Satisfies(models.RoleAdmin)); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) touch(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.GetIdentity(r)
	res, err := h.mgr.Touch(pathID(r), id.UserID, id.Role.Satisfies(models.RoleAdmin), time.Now().UTC())
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

// expireStale — немедленный проход sweeper'а по требованию.
func (h *HTTP) expireStale(w http.ResponseWriter, _ *http.Request) {
	res := h.sweeper.Sweep(time.Now().UTC())
	models.WriteJSON(w, http.StatusOK, res)
}
