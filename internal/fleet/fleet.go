// Package fleet owns the simulated station population: deriving station
// identities from templates, spreading them over the supervision endpoints,
// and answering the fleet-level control procedures.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/broadcast"
	"github.com/seu-repo/sigec-sim/internal/cache"
	"github.com/seu-repo/sigec-sim/internal/domain"
	"github.com/seu-repo/sigec-sim/internal/idtags"
	"github.com/seu-repo/sigec-sim/internal/ocpp"
	"github.com/seu-repo/sigec-sim/internal/station"
	"github.com/seu-repo/sigec-sim/pkg/config"
)

// State is the fleet lifecycle phase. Transitions only move forward through
// Starting/Running and Stopping/Stopped; Start and Stop are idempotent.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

type templateGroup struct {
	tmpl    *domain.StationTemplate
	idTags  *idtags.Source
	counter int
}

// Fleet manages every station supervisor of this worker.
type Fleet struct {
	cfg   *config.Config
	bus   broadcast.Channel
	store cache.Cache
	log   *zap.Logger

	mu        sync.Mutex
	state     State
	stations  map[string]*station.Station
	groups    map[string]*templateGroup
	order     []string
	urlCursor int
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config, bus broadcast.Channel, store cache.Cache, log *zap.Logger) (*Fleet, error) {
	f := &Fleet{
		cfg:      cfg,
		bus:      bus,
		store:    store,
		log:      log.Named("fleet"),
		state:    StateStopped,
		stations: make(map[string]*station.Station),
		groups:   make(map[string]*templateGroup),
	}
	if bus != nil {
		if err := bus.SubscribeRequests(f.handleBroadcastRequest); err != nil {
			return nil, fmt.Errorf("fleet: subscribe to broadcast channel: %w", err)
		}
	}
	return f, nil
}

// State returns the current lifecycle phase.
func (f *Fleet) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Start loads the configured templates and boots every station. Calling Start
// on a running fleet is a no-op; calling it mid-transition fails.
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	switch f.state {
	case StateRunning, StateStarting:
		f.mu.Unlock()
		return nil
	case StateStopping:
		f.mu.Unlock()
		return fmt.Errorf("fleet: cannot start while stopping")
	}
	f.state = StateStarting
	f.ctx, f.cancel = context.WithCancel(context.Background())
	f.mu.Unlock()

	for _, tc := range f.cfg.Templates {
		tmpl, err := LoadTemplate(tc.File, f.store, f.log)
		if err != nil {
			f.setState(StateStopped)
			return err
		}
		if _, err := f.addStations(ctx, tmpl, tc.NumberOfStations); err != nil {
			f.setState(StateStopped)
			return err
		}
	}

	f.mu.Lock()
	f.state = StateRunning
	f.startedAt = time.Now()
	count := len(f.stations)
	f.mu.Unlock()

	f.log.Info("Fleet running", zap.Int("stations", count))
	return nil
}

// Stop halts every station and returns the fleet to Stopped.
func (f *Fleet) Stop(ctx context.Context) error {
	f.mu.Lock()
	switch f.state {
	case StateStopped, StateStopping:
		f.mu.Unlock()
		return nil
	}
	f.state = StateStopping
	stations := make([]*station.Station, 0, len(f.stations))
	for _, s := range f.stations {
		stations = append(stations, s)
	}
	f.mu.Unlock()

	for _, s := range stations {
		if err := s.Stop(ctx); err != nil {
			f.log.Warn("Station failed to stop",
				zap.String("station_id", s.Info().StationID),
				zap.Error(err),
			)
		}
	}

	f.mu.Lock()
	f.state = StateStopped
	f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	f.log.Info("Fleet stopped")
	return nil
}

func (f *Fleet) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// nextSupervisionURL assigns an endpoint per the configured distribution.
// Affinity pins a station to the endpoint its sequence index points at, so
// the same fleet layout always produces the same assignment.
func (f *Fleet) nextSupervisionURL(tmpl *domain.StationTemplate, index int) string {
	urls := []string(tmpl.SupervisionURLs)
	if len(urls) == 0 {
		urls = f.cfg.Supervision.URLs
	}
	if len(urls) == 0 {
		return ""
	}
	switch f.cfg.Supervision.Distribution {
	case "random":
		return urls[rand.Intn(len(urls))]
	case "charging-station-affinity":
		return urls[index%len(urls)]
	default:
		f.mu.Lock()
		url := urls[f.urlCursor%len(urls)]
		f.urlCursor++
		f.mu.Unlock()
		return url
	}
}

// deriveInfo builds the immutable identity of the index-th station of a
// template.
func (f *Fleet) deriveInfo(tmpl *domain.StationTemplate, index int) (*domain.StationInfo, error) {
	name := tmpl.FixedName
	if name == "" {
		name = fmt.Sprintf("%s-%04d", tmpl.BaseName, index)
	}

	info := &domain.StationInfo{
		StationID:                 name,
		ChargePointModel:          tmpl.ChargePointModel,
		ChargePointVendor:         tmpl.ChargePointVendor,
		FirmwareVersion:           tmpl.FirmwareVersion,
		MeterType:                 tmpl.MeterType,
		OCPPVersion:               tmpl.OCPPVersion,
		SupervisionURL:            f.nextSupervisionURL(tmpl, index),
		CurrentOutType:            tmpl.CurrentOutType,
		VoltageOut:                tmpl.VoltageOut,
		NumberOfPhases:            tmpl.NumberOfPhases,
		MaximumPower:              tmpl.MaximumPower,
		AmperageLimitation:        tmpl.AmperageLimitation,
		AmperageLimitationUnit:    tmpl.AmperageLimitationUnit,
		OCPPStrictCompliance:      tmpl.OCPPStrictCompliance,
		BeginEndMeterValues:       tmpl.BeginEndMeterValues,
		MeteringPerTransaction:    tmpl.MeteringPerTransaction,
		AutoRegister:              tmpl.AutoRegister,
		RemoteAuthorization:       tmpl.RemoteAuthorization,
		StopTransactionsOnStopped: tmpl.StopTransactionsOnStopped,
		EnableStatistics:          tmpl.EnableStatistics,
	}
	if tmpl.ChargePointSerialNumber != "" {
		info.ChargePointSerialNumber = fmt.Sprintf("%s%04d", tmpl.ChargePointSerialNumber, index)
	}
	if tmpl.ChargeBoxSerialNumber != "" {
		info.ChargeBoxSerialNumber = fmt.Sprintf("%s%04d", tmpl.ChargeBoxSerialNumber, index)
	}
	if tmpl.MeterSerialNumber != "" {
		info.MeterSerialNumber = fmt.Sprintf("%s%04d", tmpl.MeterSerialNumber, index)
	}
	if f.cfg.Supervision.Auth.Enabled {
		info.SupervisionAuth = domain.BasicAuth{
			Enabled:  true,
			Username: f.cfg.Supervision.Auth.Username,
			Password: f.cfg.Supervision.Auth.Password,
		}
	}
	if info.OCPPVersion == "" {
		info.OCPPVersion = "1.6"
	}

	hashID, err := domain.ComputeHashID(info)
	if err != nil {
		return nil, err
	}
	info.HashID = hashID
	return info, nil
}

// addStations derives and starts count stations from a loaded template.
func (f *Fleet) addStations(ctx context.Context, tmpl *domain.StationTemplate, count int) ([]string, error) {
	f.mu.Lock()
	group, ok := f.groups[tmpl.TemplateName]
	if !ok {
		group = &templateGroup{tmpl: tmpl}
		f.groups[tmpl.TemplateName] = group
	}
	f.mu.Unlock()

	if group.idTags == nil && tmpl.IDTagsFile != "" {
		distribution := ""
		if tmpl.AutomaticTransactionGenerator != nil {
			distribution = tmpl.AutomaticTransactionGenerator.IDTagDistribution
		}
		src, err := idtags.Load(tmpl.IDTagsFile, distribution, f.store, f.log)
		if err != nil {
			return nil, err
		}
		group.idTags = src
	}

	if tmpl.FixedName != "" && count > 1 {
		return nil, fmt.Errorf("fleet: template %s has a fixedName, cannot derive %d stations", tmpl.TemplateName, count)
	}

	opts := station.Options{
		SocketTimeout: f.cfg.OCPP.SocketTimeout,
		ReconnectPolicy: station.ReconnectPolicy{
			BaseDelay:  f.cfg.Supervision.Reconnect.BaseDelay,
			MaxDelay:   f.cfg.Supervision.Reconnect.MaxDelay,
			MaxRetries: f.cfg.Supervision.Reconnect.MaxRetries,
		},
	}

	var added []string
	for i := 0; i < count; i++ {
		f.mu.Lock()
		group.counter++
		index := group.counter
		f.mu.Unlock()

		info, err := f.deriveInfo(tmpl, index)
		if err != nil {
			return added, err
		}

		var src station.IDTagSource
		if group.idTags != nil {
			src = group.idTags
		}
		s, err := station.New(info, tmpl, f.bus, src, opts, f.log)
		if err != nil {
			return added, fmt.Errorf("fleet: build station %s: %w", info.StationID, err)
		}
		if err := s.Start(ctx); err != nil {
			f.log.Warn("Station failed to start, will stay registered",
				zap.String("station_id", info.StationID),
				zap.Error(err),
			)
		}

		f.mu.Lock()
		f.stations[info.HashID] = s
		f.order = append(f.order, info.HashID)
		f.mu.Unlock()
		added = append(added, info.HashID)
	}
	return added, nil
}

// AddStations derives count new stations from a template already known to the
// fleet, or loads it from the configured template files by name.
func (f *Fleet) AddStations(ctx context.Context, templateName string, count int) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("fleet: numberOfStations must be positive")
	}

	f.mu.Lock()
	group, ok := f.groups[templateName]
	f.mu.Unlock()
	if ok {
		return f.addStations(ctx, group.tmpl, count)
	}

	for _, tc := range f.cfg.Templates {
		tmpl, err := LoadTemplate(tc.File, f.store, f.log)
		if err != nil {
			continue
		}
		if tmpl.TemplateName == templateName {
			return f.addStations(ctx, tmpl, count)
		}
	}
	return nil, fmt.Errorf("fleet: unknown template %q", templateName)
}

// DeleteStations removes stations: an explicit hashIds list wins, otherwise
// the count most recently added stations of the template go away.
func (f *Fleet) DeleteStations(ctx context.Context, hashIDs []string, templateName string, count int) ([]string, error) {
	var victims []string

	if len(hashIDs) > 0 {
		victims = hashIDs
	} else {
		if count <= 0 {
			return nil, fmt.Errorf("fleet: numberOfStations must be positive")
		}
		f.mu.Lock()
		for i := len(f.order) - 1; i >= 0 && len(victims) < count; i-- {
			s, ok := f.stations[f.order[i]]
			if !ok {
				continue
			}
			if templateName != "" && !stationFromTemplate(s, templateName) {
				continue
			}
			victims = append(victims, f.order[i])
		}
		f.mu.Unlock()
	}

	var deleted []string
	for _, hashID := range victims {
		f.mu.Lock()
		s, ok := f.stations[hashID]
		if ok {
			delete(f.stations, hashID)
		}
		f.mu.Unlock()
		if !ok {
			continue
		}
		if err := s.Stop(ctx); err != nil {
			f.log.Warn("Station failed to stop on delete",
				zap.String("station_id", s.Info().StationID),
				zap.Error(err),
			)
		}
		deleted = append(deleted, hashID)
	}
	return deleted, nil
}

func stationFromTemplate(s *station.Station, templateName string) bool {
	// Station ids are derived as <baseName>-<seq>; the template name is the
	// file stem which by convention matches the base name.
	id := s.Info().StationID
	return len(id) >= len(templateName) && id[:len(templateName)] == templateName
}

// StationHashIDs lists the hash ids of every registered station, in
// registration order. The UI plane uses it to size response aggregation.
func (f *Fleet) StationHashIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.stations))
	for _, hashID := range f.order {
		if _, ok := f.stations[hashID]; ok {
			out = append(out, hashID)
		}
	}
	return out
}

// TemplateSummary describes one configured template for listTemplates.
type TemplateSummary struct {
	Name             string `json:"name"`
	File             string `json:"file"`
	NumberOfStations int    `json:"numberOfStations"`
}

// ListTemplates enumerates the configured template files.
func (f *Fleet) ListTemplates() []TemplateSummary {
	out := make([]TemplateSummary, 0, len(f.cfg.Templates))
	for _, tc := range f.cfg.Templates {
		name := tc.File
		if tmpl, err := LoadTemplate(tc.File, f.store, f.log); err == nil {
			name = tmpl.TemplateName
		}
		out = append(out, TemplateSummary{
			Name:             name,
			File:             tc.File,
			NumberOfStations: tc.NumberOfStations,
		})
	}
	return out
}

// StationSummary is one row of listChargingStations.
type StationSummary struct {
	HashID     string `json:"hashId"`
	StationID  string `json:"stationId"`
	Started    bool   `json:"started"`
	Connection string `json:"connection"`
	BootStatus string `json:"bootStatus"`
	Connectors []int  `json:"connectors"`
}

// ListStations snapshots every registered station.
func (f *Fleet) ListStations() []StationSummary {
	f.mu.Lock()
	stations := make([]*station.Station, 0, len(f.stations))
	for _, hashID := range f.order {
		if s, ok := f.stations[hashID]; ok {
			stations = append(stations, s)
		}
	}
	f.mu.Unlock()

	out := make([]StationSummary, 0, len(stations))
	for _, s := range stations {
		out = append(out, StationSummary{
			HashID:     s.HashID(),
			StationID:  s.Info().StationID,
			Started:    s.Started(),
			Connection: s.ConnectionState().String(),
			BootStatus: string(s.BootStatus()),
			Connectors: s.ConnectorIDs(),
		})
	}
	return out
}

// Statistics is the performanceStatistics snapshot.
type Statistics struct {
	State           State     `json:"state"`
	Version         string    `json:"version"`
	StartedAt       time.Time `json:"startedAt,omitempty"`
	UptimeSeconds   int64     `json:"uptimeSeconds"`
	Stations        int       `json:"stations"`
	StationsStarted int       `json:"stationsStarted"`
	Connected       int       `json:"connected"`
	Accepted        int       `json:"accepted"`
}

// PerformanceStatistics aggregates fleet health. The snapshot also lands in
// the shared cache so external dashboards can read it without the UI plane.
func (f *Fleet) PerformanceStatistics(ctx context.Context) Statistics {
	f.mu.Lock()
	stats := Statistics{
		State:    f.state,
		Version:  f.cfg.App.Version,
		Stations: len(f.stations),
	}
	if !f.startedAt.IsZero() {
		stats.StartedAt = f.startedAt
		stats.UptimeSeconds = int64(time.Since(f.startedAt).Seconds())
	}
	stations := make([]*station.Station, 0, len(f.stations))
	for _, s := range f.stations {
		stations = append(stations, s)
	}
	f.mu.Unlock()

	for _, s := range stations {
		if s.Started() {
			stats.StationsStarted++
		}
		if s.ConnectionState() == station.StateConnected {
			stats.Connected++
		}
		if s.BootStatus() == ocpp.RegistrationAccepted {
			stats.Accepted++
		}
	}

	if f.store != nil {
		if raw, err := json.Marshal(stats); err == nil {
			if err := f.store.Set(ctx, "fleet:statistics", raw, time.Minute); err != nil {
				f.log.Debug("Failed to cache fleet statistics", zap.Error(err))
			}
		}
	}
	return stats
}
