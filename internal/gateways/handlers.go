package gateways

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

type HTTP struct {
	repo   *Repo
	assocs *Associations
	secret string
}

func NewHTTP(repo *Repo, assocs *Associations, agentSecret string) *HTTP {
	return &HTTP{repo: repo, assocs: assocs, secret: agentSecret}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.Handle("/gateways", middleware.RequireHandler(models.RoleViewer, h.list)).Methods(http.MethodGet)
	api.Handle("/gateways", middleware.RequireHandler(models.RoleAdmin, h.create)).Methods(http.MethodPost)
	api.Handle("/gateways/stats", middleware.RequireHandler(models.RoleViewer, h.stats)).Methods(http.MethodGet)
	api.Handle("/gateways/hierarchy", middleware.RequireHandler(models.RoleViewer, h.hierarchy)).Methods(http.MethodGet)
	api.Handle("/gateways/export", middleware.RequireHandler(models.RoleViewer, h.export)).Methods(http.MethodGet)
	api.Handle("/gateways/import", middleware.RequireHandler(models.RoleAdmin, h.importGateways)).Methods(http.MethodPost)
	api.Handle("/gateways/{id}", middleware.RequireHandler(models.RoleViewer, h.get)).Methods(http.MethodGet)
	api.Handle("/gateways/{id}", middleware.RequireHandler(models.RoleAdmin, h.update)).Methods(http.MethodPut, http.MethodPatch)
	api.Handle("/gateways/{id}", middleware.RequireHandler(models.RoleAdmin, h.delete)).Methods(http.MethodDelete)
	api.Handle("/gateways/{id}/audit", middleware.RequireHandler(models.RoleViewer, h.auditLogs)).Methods(http.MethodGet)

	api.Handle("/associations", middleware.RequireHandler(models.RoleViewer, h.listAssocs)).Methods(http.MethodGet)
	api.Handle("/associations", middleware.RequireHandler(models.RoleDeveloper, h.associate)).Methods(http.MethodPost)
	api.Handle("/associations/bulk", middleware.RequireHandler(models.RoleDeveloper, h.bulkAssociate)).Methods(http.MethodPost)
	api.Handle("/associations/bulk-disassociate", middleware.RequireHandler(models.RoleDeveloper, h.bulkDisassociate)).Methods(http.MethodPost)
	api.Handle("/associations/stats", middleware.RequireHandler(models.RoleViewer, h.assocStats)).Methods(http.MethodGet)
	api.Handle("/associations/export", middleware.RequireHandler(models.RoleViewer, h.exportAssocs)).Methods(http.MethodGet)
	api.Handle("/associations/{id}", middleware.RequireHandler(models.RoleViewer, h.getAssoc)).Methods(http.MethodGet)
	api.Handle("/associations/{id}", middleware.RequireHandler(models.RoleDeveloper, h.disassociate)).Methods(http.MethodDelete)
	api.Handle("/associations/{id}/status", middleware.RequireHandler(models.RoleDeveloper, h.assocStatus)).Methods(http.MethodPost)
	api.Handle("/associations/{id}/health", middleware.RequireHandler(models.RoleTester, h.assocHealth)).Methods(http.MethodPost)
	api.Handle("/associations/cleanup", middleware.RequireHandler(models.RoleAdmin, h.cleanup)).Methods(http.MethodPost)
}

// RegisterAgentRoutes — канал агентов шлюзов, вне JWT-цепочки.
func (h *HTTP) RegisterAgentRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/agent/gateways/{gateway_id}/heartbeat", h.agentHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/agent/register", h.agentRegister).Methods(http.MethodPost)
}

func (h *HTTP) agentKeyOK(r *http.Request) bool {
	key := r.Header.Get("X-Agent-Key")
	if key == "" {
		key = r.URL.Query().Get("key")
	}
	return h.secret != "" && subtle.ConstantTimeCompare([]byte(key), []byte(h.secret)) == 1
}

// agentRegister — саморегистрация шлюза при первом выходе на связь;
// повторная регистрация того же gateway_id идемпотентно возвращает запись.
func (h *HTTP) agentRegister(w http.ResponseWriter, r *http.Request) {
	if !h.agentKeyOK(r) {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "invalid agent key", nil)
		return
	}
	var in struct {
		GatewayID   string             `json:"gateway_id"`
		Name        string             `json:"name"`
		GatewayType models.GatewayType `json:"gateway_type"`
		Hostname    string             `json:"hostname"`
		IPAddress   string             `json:"ip_address"`
		Region      string             `json:"region"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.GatewayID == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "gateway_id required", nil)
		return
	}
	if existing, err := h.repo.GetByGatewayID(in.GatewayID); err == nil {
		models.WriteJSON(w, http.StatusOK, existing)
		return
	}
	name := in.Name
	if name == "" {
		name = in.GatewayID
	}
	g := models.Gateway{
		GatewayID:   in.GatewayID,
		Name:        name,
		GatewayType: in.GatewayType,
		Hostname:    in.Hostname,
		IPAddress:   in.IPAddress,
		Region:      in.Region,
		Status:      models.GatewayOnline,
	}
	if err := h.repo.Create(&g, nil); err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, g)
}

func (h *HTTP) agentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !h.agentKeyOK(r) {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "invalid agent key", nil)
		return
	}
	var rep HeartbeatReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	g, err := h.repo.ApplyHeartbeat(mux.Vars(r)["gateway_id"], rep, time.Now().UTC())
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, g)
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

func actorID(r *http.Request) *uint {
	if id, ok := middleware.GetIdentity(r); ok {
		return &id.UserID
	}
	return nil
}

func (h *HTTP) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ListFilter{Region: q.Get("region"), Search: q.Get("search")}
	f.Offset, _ = strconv.Atoi(q.Get("skip"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	for _, t := range q["type"] {
		f.Type = append(f.Type, models.GatewayType(t))
	}
	for _, s := range q["status"] {
		f.Status = append(f.Status, models.GatewayStatus(s))
	}
	if v := q.Get("is_active"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			f.IsActive = &b
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
	g, err := h.repo.Get(pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, g)
}

func (h *HTTP) create(w http.ResponseWriter, r *http.Request) {
	var g models.Gateway
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if g.GatewayID == "" || g.Name == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "gateway_id and name required", nil)
		return
	}
	if g.ParentGatewayID != nil && *g.ParentGatewayID != "" {
		parent := *g.ParentGatewayID
		g.ParentGatewayID = nil
		if err := h.repo.SetParent(&g, &parent); err != nil {
			writeFault(w, err)
			return
		}
	}
	if err := h.repo.Create(&g, actorID(r)); err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, g)
}

func (h *HTTP) update(w http.ResponseWriter, r *http.Request) {
	g, err := h.repo.Get(pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	var in struct {
		Name                  *string               `json:"name"`
		Description           *string               `json:"description"`
		GatewayType           *models.GatewayType   `json:"gateway_type"`
		ParentGatewayID       *string               `json:"parent_gateway_id"`
		Status                *models.GatewayStatus `json:"status"`
		Hostname              *string               `json:"hostname"`
		IPAddress             *string               `json:"ip_address"`
		SSHPort               *int                  `json:"ssh_port"`
		APIPort               *int                  `json:"api_port"`
		Location              *string               `json:"location"`
		Region                *string               `json:"region"`
		Environment           *string               `json:"environment"`
		MaxTargets            *int                  `json:"max_targets"`
		MaxConcurrentSessions *int                  `json:"max_concurrent_sessions"`
		TunnelPortBase        *int                  `json:"tunnel_port_base"`
		TunnelPortCount       *int                  `json:"tunnel_port_count"`
		Config                *models.JSONMap       `json:"config"`
		Features              *models.StringList    `json:"features"`
		Tags                  *models.StringList    `json:"tags"`
		IsActive              *bool                 `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if in.ParentGatewayID != nil {
		if err := h.repo.SetParent(g, in.ParentGatewayID); err != nil {
			writeFault(w, err)
			return
		}
	}
	if in.Name != nil {
		g.Name = *in.Name
	}
	if in.Description != nil {
		g.Description = *in.Description
	}
	if in.GatewayType != nil {
		g.GatewayType = *in.GatewayType
	}
	if in.Status != nil {
		g.Status = *in.Status
	}
	if in.Hostname != nil {
		g.Hostname = *in.Hostname
	}
	if in.IPAddress != nil {
		g.IPAddress = *in.IPAddress
	}
	if in.SSHPort != nil {
		g.SSHPort = *in.SSHPort
	}
	if in.APIPort != nil {
		g.APIPort = *in.APIPort
	}
	if in.Location != nil {
		g.Location = *in.Location
	}
	if in.Region != nil {
		g.Region = *in.Region
	}
	if in.Environment != nil {
		g.Environment = *in.Environment
	}
	if in.MaxTargets != nil {
		g.MaxTargets = *in.MaxTargets
	}
	if in.MaxConcurrentSessions != nil {
		g.MaxConcurrentSessions = *in.MaxConcurrentSessions
	}
	if in.TunnelPortBase != nil && *in.TunnelPortBase > 0 {
		g.TunnelPortBase = *in.TunnelPortBase
	}
	if in.TunnelPortCount != nil && *in.TunnelPortCount > 0 {
		g.TunnelPortCount = *in.TunnelPortCount
	}
	if in.Config != nil {
		g.Config = *in.Config
	}
	if in.Features != nil {
		g.Features = *in.Features
	}
	if in.Tags != nil {
		g.Tags = *in.Tags
	}
	if in.IsActive != nil {
		// деактивация с живыми привязками — только с force
		if !*in.IsActive && g.IsActive {
			force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
			if !force {
				live, err := h.repo.LiveAssociations(g.GatewayID)
				if err != nil {
					writeFault(w, err)
					return
				}
				if live > 0 {
					writeFault(w, fault.Newf(fault.Conflict,
						"gateway %q has %d live associations; use force", g.GatewayID, live))
					return
				}
			}
		}
		g.IsActive = *in.IsActive
	}
	if err := h.repo.Save(g); err != nil {
		writeFault(w, err)
		return
	}
	h.repo.audit(g.GatewayID, "updated", actorID(r), nil)
	h.repo.publish(events.GatewayUpdated, g.GatewayID, nil)
	models.WriteJSON(w, http.StatusOK, g)
}

func (h *HTTP) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(pathID(r), actorID(r)); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) stats(w http.ResponseWriter, _ *http.Request) {
	s, err := h.repo.Stats()
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, s)
}

func (h *HTTP) hierarchy(w http.ResponseWriter, _ *http.Request) {
	roots, err := h.repo.Hierarchy()
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, roots)
}

func (h *HTTP) auditLogs(w http.ResponseWriter, r *http.Request) {
	g, err := h.repo.Get(pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logsOut, err := h.repo.AuditLogs(g.GatewayID, limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, logsOut)
}

func (h *HTTP) export(w http.ResponseWriter, r *http.Request) {
	out, err := h.repo.List(ListFilter{Limit: 1000})
	if err != nil {
		writeFault(w, err)
		return
	}
	if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="gateways.csv"`)
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"id", "gateway_id", "name", "type", "status", "region",
			"hostname", "current_targets", "current_sessions"})
		for _, g := range out {
			_ = cw.Write([]string{
				strconv.FormatUint(uint64(g.ID), 10), g.GatewayID, g.Name,
				string(g.GatewayType), string(g.Status), g.Region, g.Hostname,
				strconv.Itoa(g.CurrentTargets), strconv.Itoa(g.CurrentSessions),
			})
		}
		cw.Flush()
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

// importGateways — массовый завоз: каждая запись независима, ошибки
// возвращаются по-элементно, успешные создаются.
func (h *HTTP) importGateways(w http.ResponseWriter, r *http.Request) {
	var in []models.Gateway
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	type item struct {
		GatewayID string `json:"gateway_id"`
		ID        uint   `json:"id,omitempty"`
		Error     string `json:"error,omitempty"`
	}
	items := make([]item, 0, len(in))
	ok := 0
	for i := range in {
		g := in[i]
		it := item{GatewayID: g.GatewayID}
		if g.GatewayID == "" || g.Name == "" {
			it.Error = "gateway_id and name required"
			items = append(items, it)
			continue
		}
		if g.ParentGatewayID != nil && *g.ParentGatewayID != "" {
			parent := *g.ParentGatewayID
			g.ParentGatewayID = nil
			if err := h.repo.SetParent(&g, &parent); err != nil {
				it.Error = err.Error()
				items = append(items, it)
				continue
			}
		}
		if err := h.repo.Create(&g, actorID(r)); err != nil {
			it.Error = err.Error()
		} else {
			it.ID = g.ID
			ok++
		}
		items = append(items, it)
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"items": items, "succeeded": ok, "failed": len(items) - ok,
	})
}

func (h *HTTP) listAssocs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var targetID uint
	if v := q.Get("target_id"); v != "" {
		n, _ := strconv.ParseUint(v, 10, 64)
		targetID = uint(n)
	}
	live, _ := strconv.ParseBool(q.Get("live"))
	out, err := h.assocs.List(q.Get("gateway_id"), targetID, live)
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) getAssoc(w http.ResponseWriter, r *http.Request) {
	a, err := h.assocs.Get(pathID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, a)
}

func (h *HTTP) associate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TargetID   uint   `json:"target_id"`
		GatewayID  string `json:"gateway_id"`
		WithTunnel bool   `json:"with_tunnel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.TargetID == 0 || in.GatewayID == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "target_id and gateway_id required", nil)
		return
	}
	a, err := h.assocs.Associate(in.TargetID, in.GatewayID, in.WithTunnel)
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, a)
}

func (h *HTTP) bulkAssociate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TargetIDs  []uint `json:"target_ids"`
		GatewayID  string `json:"gateway_id"`
		WithTunnel bool   `json:"with_tunnel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.TargetIDs) == 0 || in.GatewayID == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "target_ids and gateway_id required", nil)
		return
	}
	items := h.assocs.BulkAssociate(in.TargetIDs, in.GatewayID, in.WithTunnel)
	ok := 0
	for _, it := range items {
		if it.Error == "" {
			ok++
		}
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"items": items, "succeeded": ok, "failed": len(items) - ok,
	})
}

func (h *HTTP) bulkDisassociate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AssociationIDs []uint `json:"association_ids"`
		Force          bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || len(in.AssociationIDs) == 0 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "association_ids required", nil)
		return
	}
	items := h.assocs.BulkDisassociate(in.AssociationIDs, in.Force)
	ok := 0
	for _, it := range items {
		if it.Error == "" {
			ok++
		}
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{
		"items": items, "succeeded": ok, "failed": len(items) - ok,
	})
}

func (h *HTTP) assocStats(w http.ResponseWriter, _ *http.Request) {
	s, err := h.assocs.Stats()
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, s)
}

func (h *HTTP) exportAssocs(w http.ResponseWriter, r *http.Request) {
	out, err := h.assocs.List(r.URL.Query().Get("gateway_id"), 0, false)
	if err != nil {
		writeFault(w, err)
		return
	}
	if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="associations.csv"`)
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"id", "target_id", "gateway_id", "status",
			"tunnel_port", "tunnel_status", "health_score"})
		for _, a := range out {
			score := ""
			if a.HealthScore != nil {
				score = strconv.Itoa(*a.HealthScore)
			}
			_ = cw.Write([]string{
				strconv.FormatUint(uint64(a.ID), 10),
				strconv.FormatUint(uint64(a.TargetID), 10),
				a.GatewayID, string(a.Status),
				strconv.Itoa(a.TunnelPort), a.TunnelStatus, score,
			})
		}
		cw.Flush()
		return
	}
	models.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTP) disassociate(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := h.assocs.Disassociate(pathID(r), force); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) assocStatus(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status  models.AssociationStatus `json:"status"`
		Details models.JSONMap           `json:"details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Status == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "status required", nil)
		return
	}
	a, err := h.assocs.UpdateStatus(pathID(r), in.Status, in.Details)
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, a)
}

func (h *HTTP) assocHealth(w http.ResponseWriter, r *http.Request) {
	var in struct {
		HealthScore int `json:"health_score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	a, err := h.assocs.CheckHealth(pathID(r), in.HealthScore, time.Now().UTC())
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, a)
}

func (h *HTTP) cleanup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		InactiveHours int `json:"inactive_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if in.InactiveHours <= 0 {
		in.InactiveHours = 24
	}
	n, err := h.assocs.AutoCleanup(time.Now().UTC(), time.Duration(in.InactiveHours)*time.Hour)
	if err != nil {
		writeFault(w, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"cleaned": n})
}
