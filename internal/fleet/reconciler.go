package fleet

import (
	"sync"
	"time"

	"droidpool/internal/events"
	"droidpool/internal/fault"
	"droidpool/internal/logs"
	"droidpool/internal/metrics"
	"droidpool/internal/models"
)

// ReportedDevice — одно устройство из пакета heartbeat агента шлюза.
type ReportedDevice struct {
	Name         string            `json:"name"`
	SerialNumber string            `json:"serial_number"`
	DeviceType   models.DeviceType `json:"device_type"`
	IPAddress    string            `json:"ip_address"`
	ADBEndpoint  string            `json:"adb_endpoint"`
	SSHEndpoint  string            `json:"ssh_endpoint"`

	AndroidVersion string `json:"android_version"`
	APILevel       int    `json:"api_level"`
	Manufacturer   string `json:"manufacturer"`
	DeviceModel    string `json:"device_model"`

	CPUInfo    models.JSONMap `json:"cpu_info"`
	GPUInfo    models.JSONMap `json:"gpu_info"`
	HALSupport models.JSONMap `json:"hal_support"`
	MemoryMB   int            `json:"memory_mb"`
	StorageGB  int            `json:"storage_gb"`

	NetworkCapabilities models.StringList `json:"network_capabilities"`

	ADBStatus    bool `json:"adb_status"`
	SerialStatus bool `json:"serial_status"`
	HealthScore  *int `json:"health_score"`

	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
}

// BatchResult — итог применения пакета.
type BatchResult struct {
	Registered int `json:"registered"`
	Updated    int `json:"updated"`
	Offline    int `json:"offline"`
	Skipped    int `json:"skipped"`
}

// Reconciler — приводит состояние парка к последнему отчёту шлюза.
// Пакеты одного шлюза сериализуются keyed-мьютексом: два агента (или
// ретрай) не перетирают друг друга.
type Reconciler struct {
	repo  *Repo
	sink  events.Sink
	met   *metrics.Set
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewReconciler(repo *Repo, sink events.Sink, met *metrics.Set) *Reconciler {
	return &Reconciler{repo: repo, sink: sink, met: met, locks: map[string]*sync.Mutex{}}
}

func (rc *Reconciler) gatewayLock(gatewayID string) *sync.Mutex {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	l, ok := rc.locks[gatewayID]
	if !ok {
		l = &sync.Mutex{}
		rc.locks[gatewayID] = l
	}
	return l
}

// ApplyHeartbeat — применяет полный снимок устройств шлюза.
//
// Порядок сопоставления: сперва serial_number, затем (gateway, name);
// не нашли — регистрируем новое. Устройства шлюза, отсутствующие в
// снимке, уводятся в offline. Статусы reserved и maintenance heartbeat
// не трогает никогда: снятие брони и вывод из обслуживания — дела
// других подсистем.
func (rc *Reconciler) ApplyHeartbeat(gatewayID string, batch []ReportedDevice, now time.Time) (*BatchResult, error) {
	lock := rc.gatewayLock(gatewayID)
	lock.Lock()
	defer lock.Unlock()

	res := &BatchResult{}
	seen := make(map[string]struct{}, len(batch))

	for _, rd := range batch {
		if rd.Name == "" {
			res.Skipped++
			continue
		}
		seen[rd.Name] = struct{}{}
		if err := rc.applyOne(gatewayID, rd, now, res); err != nil {
			if fault.IsKind(err, fault.StaleInput) {
				logs.Logger.WithError(err).WithField("gateway_id", gatewayID).
					Warn("heartbeat: stale device entry skipped")
				res.Skipped++
				continue
			}
			return nil, err
		}
	}

	// set-difference: кто был активен на шлюзе, но не пришёл в снимке
	current, err := rc.repo.ActiveForGateway(gatewayID)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "heartbeat: list gateway devices", err)
	}
	for i := range current {
		d := &current[i]
		if _, ok := seen[d.Name]; ok {
			continue
		}
		if d.Status == models.DeviceReserved || d.Status == models.DeviceMaintenance {
			continue
		}
		if d.Status == models.DeviceOffline {
			continue
		}
		rc.transition(d, models.DeviceOffline)
		d.ADBStatus = false
		d.SerialStatus = false
		if err := rc.repo.Save(d); err != nil {
			return nil, fault.Wrap(fault.Transient, "heartbeat: mark offline", err)
		}
		res.Offline++
	}

	if rc.met != nil {
		rc.met.HeartbeatBatches.Inc()
	}
	return res, nil
}

func (rc *Reconciler) applyOne(gatewayID string, rd ReportedDevice, now time.Time, res *BatchResult) error {
	d, found, err := rc.repo.FindBySerial(rd.SerialNumber)
	if err != nil {
		return fault.Wrap(fault.Transient, "heartbeat: serial lookup", err)
	}
	if !found {
		d, found, err = rc.repo.FindByGatewayAndName(gatewayID, rd.Name)
		if err != nil {
			return fault.Wrap(fault.Transient, "heartbeat: name lookup", err)
		}
	}

	if !found {
		nd := rc.newDevice(gatewayID, rd, now)
		if err := rc.repo.Create(nd); err != nil {
			// гонка двух пакетов за один serial — не роняем весь пакет
			return fault.Wrap(fault.StaleInput, "heartbeat: register device", err)
		}
		res.Registered++
		rc.publish(events.TargetRegistered, nd, map[string]any{"serial_number": nd.SerialNumber})
		return nil
	}

	rc.fillReported(d, gatewayID, rd, now)

	switch d.Status {
	case models.DeviceReserved, models.DeviceMaintenance:
		// статус не меняем, телеметрию обновляем
	default:
		next := reportedStatus(rd)
		if d.Status != next {
			rc.transition(d, next)
		}
	}

	if err := rc.repo.Save(d); err != nil {
		return fault.Wrap(fault.Transient, "heartbeat: save device", err)
	}
	res.Updated++
	return nil
}

// reportedStatus — статус из живости каналов: есть adb — available,
// только serial — unhealthy, оба мертвы — offline.
func reportedStatus(rd ReportedDevice) models.DeviceStatus {
	switch {
	case rd.ADBStatus:
		return models.DeviceAvailable
	case rd.SerialStatus:
		return models.DeviceUnhealthy
	default:
		return models.DeviceOffline
	}
}

func (rc *Reconciler) newDevice(gatewayID string, rd ReportedDevice, now time.Time) *models.TargetDevice {
	d := &models.TargetDevice{
		Name:       rd.Name,
		GatewayID:  gatewayID,
		DeviceType: rd.DeviceType,
		IsActive:   true,
		Status:     reportedStatus(rd),
	}
	if d.DeviceType == "" {
		d.DeviceType = models.DevicePhysical
	}
	rc.fillReported(d, gatewayID, rd, now)
	return d
}

// fillReported — телеметрия из отчёта; пустые поля отчёта не затирают
// известные значения (агент может слать частичный снимок атрибутов).
func (rc *Reconciler) fillReported(d *models.TargetDevice, gatewayID string, rd ReportedDevice, now time.Time) {
	d.GatewayID = gatewayID
	if rd.Name != "" {
		d.Name = rd.Name
	}
	if rd.SerialNumber != "" {
		d.SerialNumber = rd.SerialNumber
	}
	if rd.IPAddress != "" {
		d.IPAddress = rd.IPAddress
	}
	if rd.ADBEndpoint != "" {
		d.ADBEndpoint = rd.ADBEndpoint
	}
	if rd.SSHEndpoint != "" {
		d.SSHEndpoint = rd.SSHEndpoint
	}
	if rd.AndroidVersion != "" {
		d.AndroidVersion = rd.AndroidVersion
	}
	if rd.APILevel > 0 {
		d.APILevel = rd.APILevel
	}
	if rd.Manufacturer != "" {
		d.Manufacturer = rd.Manufacturer
	}
	if rd.DeviceModel != "" {
		d.DeviceModel = rd.DeviceModel
	}
	if rd.CPUInfo != nil {
		d.CPUInfo = rd.CPUInfo
	}
	if rd.GPUInfo != nil {
		d.GPUInfo = rd.GPUInfo
	}
	if rd.HALSupport != nil {
		d.HALSupport = rd.HALSupport
	}
	if rd.MemoryMB > 0 {
		d.MemoryMB = rd.MemoryMB
	}
	if rd.StorageGB > 0 {
		d.StorageGB = rd.StorageGB
	}
	if rd.NetworkCapabilities != nil {
		d.NetworkCapabilities = rd.NetworkCapabilities
	}
	if rd.HealthScore != nil {
		d.HealthScore = rd.HealthScore
		t := now
		d.HealthCheckAt = &t
	}
	if rd.HeartbeatIntervalSeconds > 0 {
		d.HeartbeatIntervalSeconds = rd.HeartbeatIntervalSeconds
	}
	d.ADBStatus = rd.ADBStatus
	d.SerialStatus = rd.SerialStatus
	hb := now
	d.LastHeartbeat = &hb
}

// transition — смена статуса с событием и метрикой; вызывать только при
// фактическом изменении, повтор того же снимка событий не рождает.
func (rc *Reconciler) transition(d *models.TargetDevice, next models.DeviceStatus) {
	prev := d.Status
	d.Status = next
	if rc.met != nil {
		rc.met.DeviceTransitions.WithLabelValues(string(prev), string(next)).Inc()
	}
	switch {
	case next == models.DeviceOffline:
		rc.publish(events.TargetDisconnected, d, map[string]any{"previous": string(prev)})
	case prev == models.DeviceOffline || prev == "":
		rc.publish(events.TargetConnected, d, map[string]any{"previous": string(prev)})
	default:
		rc.publish(events.TargetUpdated, d, map[string]any{
			"previous": string(prev), "status": string(next),
		})
	}
}

func (rc *Reconciler) publish(t events.Type, d *models.TargetDevice, details map[string]any) {
	if rc.sink == nil {
		return
	}
	rc.sink.Publish(events.Event{
		Type:     t,
		Subjects: events.Subjects{TargetID: d.ID, GatewayID: d.GatewayID},
		Details:  details,
	})
}
