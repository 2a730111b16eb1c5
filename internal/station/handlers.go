package station

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/domain"
	"github.com/seu-repo/sigec-sim/internal/observability/telemetry"
	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

// simulatorVendorID is the vendor namespace answered by the DataTransfer
// handler.
const simulatorVendorID = "org.sigec.simulator"

func decode[T any](payload json.RawMessage) (*T, *ocpp.Error) {
	var req T
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrCodeTypeConstraintViolation, err.Error())
	}
	return &req, nil
}

// registerHandlers installs every server-initiated action. Each handler is
// wrapped with the inbound traffic counter.
func (s *Station) registerHandlers() {
	wrap := func(action string, h CommandHandler) {
		s.dispatcher.Handle(action, func(ctx context.Context, payload json.RawMessage) (any, *ocpp.Error) {
			telemetry.OCPPMessagesTotal.WithLabelValues(action, "in").Inc()
			return h(ctx, payload)
		})
	}

	wrap(ocpp.ActionGetConfiguration, s.handleGetConfiguration)
	wrap(ocpp.ActionChangeConfiguration, s.handleChangeConfiguration)
	wrap(ocpp.ActionReset, s.handleReset)
	wrap(ocpp.ActionClearCache, s.handleClearCache)
	wrap(ocpp.ActionChangeAvailability, s.handleChangeAvailability)
	wrap(ocpp.ActionUnlockConnector, s.handleUnlockConnector)
	wrap(ocpp.ActionSetChargingProfile, s.handleSetChargingProfile)
	wrap(ocpp.ActionClearChargingProfile, s.handleClearChargingProfile)
	wrap(ocpp.ActionRemoteStartTransaction, s.handleRemoteStartTransaction)
	wrap(ocpp.ActionRemoteStopTransaction, s.handleRemoteStopTransaction)
	wrap(ocpp.ActionGetDiagnostics, s.handleGetDiagnostics)
	wrap(ocpp.ActionTriggerMessage, s.handleTriggerMessage)
	wrap(ocpp.ActionDataTransfer, s.handleDataTransfer)
}

func (s *Station) handleGetConfiguration(_ context.Context, payload json.RawMessage) (any, *ocpp.Error) {
	req, derr := decode[ocpp.GetConfigurationRequest](payload)
	if derr != nil {
		return nil, derr
	}

	s.mu.Lock()
	cfg := s.ocppConfig
	s.mu.Unlock()
	if cfg == nil {
		return nil, ocpp.NewError(ocpp.ErrCodeInternal, "configuration not initialized")
	}

	resp := ocpp.GetConfigurationResponse{}
	if len(req.Key) == 0 {
		resp.ConfigurationKey = cfg.All()
		return resp, nil
	}
	for _, key := range req.Key {
		if kv, ok := cfg.Get(key); ok {
			resp.ConfigurationKey = append(resp.ConfigurationKey, kv)
		} else {
			resp.UnknownKey = append(resp.UnknownKey, key)
		}
	}
	return resp, nil
}

func (s *Station) handleChangeConfiguration(_ context.Context, payload json.RawMessage) (any, *ocpp.Error) {
	req, derr := decode[ocpp.ChangeConfigurationRequest](payload)
	if derr != nil {
		return nil, derr
	}

	s.mu.Lock()
	cfg := s.ocppConfig
	s.mu.Unlock()
	if cfg == nil {
		return nil, ocpp.NewError(ocpp.ErrCodeInternal, "configuration not initialized")
	}

	found, writable := cfg.Set(req.Key, req.Value)
	switch {
	case !found:
		return ocpp.ChangeConfigurationResponse{Status: ocpp.ConfigurationNotSupported}, nil
	case !writable:
		return ocpp.ChangeConfigurationResponse{Status: ocpp.ConfigurationRejected}, nil
	}

	s.log.Info("Configuration key changed",
		zap.String("key", req.Key),
		zap.String("value", req.Value),
	)
	return ocpp.ChangeConfigurationResponse{Status: ocpp.ConfigurationAccepted}, nil
}

func (s *Station) handleReset(_ context.Context, payload json.RawMessage) (any, *ocpp.Error) {
	req, derr := decode[ocpp.ResetRequest](payload)
	if derr != nil {
		return nil, derr
	}

	reason := ocpp.ReasonSoftReset
	if req.Type == ocpp.ResetHard {
		reason = ocpp.ReasonHardReset
	}

	// The response goes out first; the actual restart runs detached.
	go s.performReset(req.Type, reason)

	return ocpp.ResetResponse{Status: ocpp.RemoteStartStopAccepted}, nil
}

// performReset stops every running transaction, drops volatile state and
// redoes the registration handshake. A hard reset also clears the energy
// registers.
func (s *Station) performReset(resetType ocpp.ResetType, reason ocpp.Reason) {
	s.log.Info("Reset requested", zap.String("type", string(resetType)))

	s.mu.Lock()
	var running []int
	for id, c := range s.connectors {
		if id > 0 && c.InTransaction() {
			running = append(running, c.TransactionID)
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultSocketTimeout)
	defer cancel()
	for _, txID := range running {
		if _, err := s.StopTransaction(ctx, txID, reason); err != nil {
			s.log.Warn("Failed to stop transaction on reset",
				zap.Int("transaction_id", txID),
				zap.Error(err),
			)
		}
	}

	if s.atg != nil {
		s.atg.Suspend()
	}
	s.stopHeartbeat()

	s.mu.Lock()
	for id, c := range s.connectors {
		c.ResetTransaction()
		c.ChargingProfiles = nil
		if resetType == ocpp.ResetHard {
			c.EnergyActiveImportRegisterValue = 0
			c.TransactionEnergyActiveImportRegisterValue = 0
		}
		if id > 0 {
			c.Status = s.initialStatus(c)
		}
	}
	s.bootStatus = ocpp.RegistrationPending
	s.mu.Unlock()

	_ = s.conn.Close()
	if err := s.conn.Open(s.ctx); err != nil {
		s.log.Error("Reconnect after reset failed", zap.Error(err))
	}
}

func (s *Station) handleClearCache(_ context.Context, _ json.RawMessage) (any, *ocpp.Error) {
	s.mu.Lock()
	for id, c := range s.connectors {
		if id == 0 || c.InTransaction() {
			continue
		}
		c.IDTagLocalAuthorized = false
		c.LocalAuthorizeIDTag = ""
	}
	s.mu.Unlock()
	return ocpp.ClearCacheResponse{Status: ocpp.RemoteStartStopAccepted}, nil
}

func (s *Station) handleChangeAvailability(ctx context.Context, payload json.RawMessage) (any, *ocpp.Error) {
	req, derr := decode[ocpp.ChangeAvailabilityRequest](payload)
	if derr != nil {
		return nil, derr
	}
	if req.Type != ocpp.AvailabilityOperative && req.Type != ocpp.AvailabilityInoperative {
		return nil, ocpp.NewError(ocpp.ErrCodePropertyConstraintViolation, "unknown availability type "+string(req.Type))
	}

	s.mu.Lock()
	var targets []*domain.ConnectorState
	if req.ConnectorID == 0 {
		for id, c := range s.connectors {
			if id > 0 {
				targets = append(targets, c)
			}
		}
	} else if c, ok := s.connectors[req.ConnectorID]; ok {
		targets = append(targets, c)
	}
	if len(targets) == 0 {
		s.mu.Unlock()
		return ocpp.ChangeAvailabilityResponse{Status: ocpp.AvailabilityStatusRejected}, nil
	}

	status := ocpp.AvailabilityStatusAccepted
	type change struct {
		id   int
		next ocpp.ChargePointStatus
	}
	var changes []change
	for _, c := range targets {
		if c.InTransaction() {
			// Applied when the transaction ends.
			c.PendingAvailability = req.Type
			status = ocpp.AvailabilityStatusScheduled
			continue
		}
		if c.Availability == req.Type {
			continue
		}
		c.Availability = req.Type
		next := ocpp.StatusAvailable
		if req.Type == ocpp.AvailabilityInoperative {
			next = ocpp.StatusUnavailable
		}
		changes = append(changes, change{id: c.ID, next: next})
	}
	s.mu.Unlock()

	go func() {
		for _, ch := range changes {
			if _, err := s.StatusNotification(s.ctx, ch.id, ch.next, "NoError"); err != nil {
				s.log.Warn("Availability StatusNotification failed",
					zap.Int("connector_id", ch.id),
					zap.Error(err),
				)
			}
		}
	}()

	return ocpp.ChangeAvailabilityResponse{Status: status}, nil
}

func (s *Station) handleUnlockConnector(_ context.Context, payload json.RawMessage) (any, *ocpp.Error) {
	req, derr := decode[ocpp.UnlockConnectorRequest](payload)
	if derr != nil {
		return nil, derr
	}

	s.mu.Lock()
	c, ok := s.connectors[req.ConnectorID]
	if !ok || req.ConnectorID == 0 {
		s.mu.Unlock()
		return ocpp.UnlockConnectorResponse{Status: "NotSupported"}, nil
	}
	txID := 0
	if c.InTransaction() {
		txID = c.TransactionID
	}
	s.mu.Unlock()

	if txID != 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultSocketTimeout)
			defer cancel()
			if _, err := s.StopTransaction(ctx, txID, ocpp.ReasonUnlockCommand); err != nil {
				s.log.Warn("Failed to stop transaction on unlock",
					zap.Int("transaction_id", txID),
					zap.Error(err),
				)
			}
		}()
	}
	return ocpp.UnlockConnectorResponse{Status: "Unlocked"}, nil
}

func (s *Station) handleSetChargingProfile(_ context.Context, payload json.RawMessage) (any, *ocpp.Error) {
	req, derr := decode[ocpp.SetChargingProfileRequest](payload)
	if derr != nil {
		return nil, derr
	}

	profile := req.CsChargingProfiles
	if err := domain.NormalizeChargingProfile(&profile); err != nil {
		s.log.Warn("Charging profile rejected", zap.Error(err))
		return ocpp.SetChargingProfileResponse{Status: ocpp.ChargingProfileRejected}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.connectors[req.ConnectorID]
	if !ok {
		return ocpp.SetChargingProfileResponse{Status: ocpp.ChargingProfileRejected}, nil
	}

	if profile.ChargingProfilePurpose == domain.ProfilePurposeTx {
		if !c.InTransaction() || (profile.TransactionID != 0 && profile.TransactionID != c.TransactionID) {
			return ocpp.SetChargingProfileResponse{Status: ocpp.ChargingProfileRejected}, nil
		}
	}

	// Same purpose and stack level on the same connector replaces.
	replaced := false
	for i := range c.ChargingProfiles {
		p := &c.ChargingProfiles[i]
		if p.ChargingProfilePurpose == profile.ChargingProfilePurpose && p.StackLevel == profile.StackLevel {
			*p = profile
			replaced = true
			break
		}
	}
	if !replaced {
		c.ChargingProfiles = append(c.ChargingProfiles, profile)
	}

	s.log.Info("Charging profile installed",
		zap.Int("connector_id", req.ConnectorID),
		zap.Int("profile_id", profile.ChargingProfileID),
		zap.String("purpose", profile.ChargingProfilePurpose),
		zap.Int("stack_level", profile.StackLevel),
	)
	return ocpp.SetChargingProfileResponse{Status: ocpp.ChargingProfileAccepted}, nil
}

func (s *Station) handleClearChargingProfile(_ context.Context, payload json.RawMessage) (any, *ocpp.Error) {
	req, derr := decode[ocpp.ClearChargingProfileRequest](payload)
	if derr != nil {
		return nil, derr
	}

	match := func(p *ocpp.ChargingProfile) bool {
		if req.ID != 0 {
			return p.ChargingProfileID == req.ID
		}
		if req.Purpose != "" && p.ChargingProfilePurpose != req.Purpose {
			return false
		}
		if req.StackLevel != nil && p.StackLevel != *req.StackLevel {
			return false
		}
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := 0
	for id, c := range s.connectors {
		if req.ConnectorID != nil && id != *req.ConnectorID {
			continue
		}
		kept := c.ChargingProfiles[:0]
		for _, p := range c.ChargingProfiles {
			if match(&p) {
				cleared++
				continue
			}
			kept = append(kept, p)
		}
		c.ChargingProfiles = kept
	}

	if cleared == 0 {
		return ocpp.ClearChargingProfileResponse{Status: ocpp.ClearChargingProfileUnknown}, nil
	}
	s.log.Info("Charging profiles cleared", zap.Int("count", cleared))
	return ocpp.ClearChargingProfileResponse{Status: ocpp.ClearChargingProfileAccepted}, nil
}

func (s *Station) handleRemoteStartTransaction(_ context.Context, payload json.RawMessage) (any, *ocpp.Error) {
	req, derr := decode[ocpp.RemoteStartTransactionRequest](payload)
	if derr != nil {
		return nil, derr
	}
	if req.IDTag == "" {
		return nil, ocpp.NewError(ocpp.ErrCodePropertyConstraintViolation, "idTag is required")
	}

	s.mu.Lock()
	connectorID := req.ConnectorID
	if connectorID == 0 {
		for _, id := range s.freeConnectorIDsLocked() {
			if !s.connectors[id].ReservedFor(req.IDTag, time.Now()) {
				connectorID = id
				break
			}
		}
	}
	c, ok := s.connectors[connectorID]
	switch {
	case connectorID == 0 || !ok:
		s.mu.Unlock()
		return ocpp.RemoteStartTransactionResponse{Status: ocpp.RemoteStartStopRejected}, nil
	case !c.Operative(), c.InTransaction():
		s.mu.Unlock()
		return ocpp.RemoteStartTransactionResponse{Status: ocpp.RemoteStartStopRejected}, nil
	case c.ReservedFor(req.IDTag, time.Now()):
		s.mu.Unlock()
		return ocpp.RemoteStartTransactionResponse{Status: ocpp.RemoteStartStopRejected}, nil
	}
	cfg := s.ocppConfig
	s.mu.Unlock()

	authorizeRemote := cfg != nil && cfg.BoolValue(ocpp.KeyAuthorizeRemoteTxRequests, false)
	localAuthList := cfg != nil && cfg.BoolValue(ocpp.KeyLocalAuthListEnabled, false)

	// With the local list enabled the authorization decision is taken here;
	// an unknown tag never reaches StartTransaction.
	if authorizeRemote && localAuthList {
		if s.idTags == nil || !s.idTags.Contains(req.IDTag) {
			s.log.Info("RemoteStartTransaction rejected by local authorization list",
				zap.String("id_tag", req.IDTag),
			)
			return ocpp.RemoteStartTransactionResponse{Status: ocpp.RemoteStartStopRejected}, nil
		}
		s.mu.Lock()
		c.IDTagLocalAuthorized = true
		c.LocalAuthorizeIDTag = req.IDTag
		s.mu.Unlock()
	}

	if req.ChargingProfile != nil && req.ChargingProfile.ChargingProfilePurpose == domain.ProfilePurposeTx {
		profile := *req.ChargingProfile
		if err := domain.NormalizeChargingProfile(&profile); err == nil {
			s.mu.Lock()
			c.ChargingProfiles = append(c.ChargingProfiles, profile)
			s.mu.Unlock()
		} else {
			s.log.Warn("RemoteStart charging profile dropped", zap.Error(err))
		}
	}

	go func() {
		// The CALLRESULT must reach the server before the StartTransaction
		// CALL goes out.
		time.Sleep(s.opts.StartTxDelay)

		ctx, cancel := context.WithTimeout(context.Background(), DefaultSocketTimeout)
		defer cancel()

		if authorizeRemote && !localAuthList {
			resp, err := s.Authorize(ctx, connectorID, req.IDTag)
			if err != nil || resp.IDTagInfo.Status != ocpp.AuthorizationAccepted {
				s.log.Info("RemoteStart authorization failed",
					zap.Int("connector_id", connectorID),
					zap.String("id_tag", req.IDTag),
					zap.Error(err),
				)
				return
			}
		}
		if _, err := s.StartTransaction(ctx, connectorID, req.IDTag, true); err != nil {
			s.log.Warn("Remote StartTransaction failed",
				zap.Int("connector_id", connectorID),
				zap.Error(err),
			)
		}
	}()

	return ocpp.RemoteStartTransactionResponse{Status: ocpp.RemoteStartStopAccepted}, nil
}

// freeConnectorIDsLocked lists operative, idle connectors in ascending order.
// Callers hold s.mu.
func (s *Station) freeConnectorIDsLocked() []int {
	var ids []int
	for id, c := range s.connectors {
		if id > 0 && c.Operative() && !c.InTransaction() {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func (s *Station) handleRemoteStopTransaction(_ context.Context, payload json.RawMessage) (any, *ocpp.Error) {
	req, derr := decode[ocpp.RemoteStopTransactionRequest](payload)
	if derr != nil {
		return nil, derr
	}

	s.mu.Lock()
	found := false
	for id, c := range s.connectors {
		if id > 0 && c.InTransaction() && c.TransactionID == req.TransactionID {
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return ocpp.RemoteStopTransactionResponse{Status: ocpp.RemoteStartStopRejected}, nil
	}

	go func() {
		time.Sleep(s.opts.StartTxDelay)
		ctx, cancel := context.WithTimeout(context.Background(), DefaultSocketTimeout)
		defer cancel()
		if _, err := s.StopTransaction(ctx, req.TransactionID, ocpp.ReasonRemote); err != nil {
			s.log.Warn("Remote StopTransaction failed",
				zap.Int("transaction_id", req.TransactionID),
				zap.Error(err),
			)
		}
	}()

	return ocpp.RemoteStopTransactionResponse{Status: ocpp.RemoteStartStopAccepted}, nil
}

func (s *Station) handleGetDiagnostics(_ context.Context, payload json.RawMessage) (any, *ocpp.Error) {
	req, derr := decode[ocpp.GetDiagnosticsRequest](payload)
	if derr != nil {
		return nil, derr
	}
	if req.Location == "" {
		return nil, ocpp.NewError(ocpp.ErrCodePropertyConstraintViolation, "location is required")
	}

	fileName := fmt.Sprintf("%s_%s.log", s.info.StationID, time.Now().UTC().Format("20060102T150405Z"))

	// There is nothing to really upload; the progression is simulated.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultSocketTimeout)
		defer cancel()
		if err := s.DiagnosticsStatusNotification(ctx, "Uploading"); err != nil {
			s.log.Warn("DiagnosticsStatusNotification failed", zap.Error(err))
			return
		}
		time.Sleep(time.Second)
		if err := s.DiagnosticsStatusNotification(ctx, "Uploaded"); err != nil {
			s.log.Warn("DiagnosticsStatusNotification failed", zap.Error(err))
		}
	}()

	return ocpp.GetDiagnosticsResponse{FileName: fileName}, nil
}

func (s *Station) handleTriggerMessage(_ context.Context, payload json.RawMessage) (any, *ocpp.Error) {
	req, derr := decode[ocpp.TriggerMessageRequest](payload)
	if derr != nil {
		return nil, derr
	}

	connectorID := 0
	if req.ConnectorID != nil {
		connectorID = *req.ConnectorID
	}

	var trigger func()
	switch req.RequestedMessage {
	case ocpp.ActionBootNotification:
		trigger = func() { _, _ = s.BootNotification(s.ctx) }
	case ocpp.ActionHeartbeat:
		trigger = func() { _, _ = s.Heartbeat(s.ctx) }
	case ocpp.ActionStatusNotification:
		trigger = func() {
			s.mu.Lock()
			type pair struct {
				id     int
				status ocpp.ChargePointStatus
			}
			var pairs []pair
			for id, c := range s.connectors {
				if id == 0 || (connectorID != 0 && id != connectorID) {
					continue
				}
				pairs = append(pairs, pair{id, c.Status})
			}
			s.mu.Unlock()
			for _, p := range pairs {
				_, _ = s.StatusNotification(s.ctx, p.id, p.status, "NoError")
			}
		}
	case ocpp.ActionMeterValues:
		trigger = func() {
			s.mu.Lock()
			var ids []int
			for id := range s.connectors {
				if id == 0 || (connectorID != 0 && id != connectorID) {
					continue
				}
				ids = append(ids, id)
			}
			s.mu.Unlock()
			for _, id := range ids {
				if mv := s.sampleMeterValue(id, 0, ocpp.ContextTrigger); mv != nil {
					s.mu.Lock()
					txID := s.connectors[id].TransactionID
					s.mu.Unlock()
					_, _ = s.MeterValues(s.ctx, id, txID, []ocpp.MeterValue{*mv})
				}
			}
		}
	case ocpp.ActionDiagnosticsStatusNotification:
		trigger = func() { _ = s.DiagnosticsStatusNotification(s.ctx, "Idle") }
	case ocpp.ActionFirmwareStatusNotification:
		trigger = func() { _ = s.FirmwareStatusNotification(s.ctx, "Idle") }
	default:
		return ocpp.TriggerMessageResponse{Status: ocpp.TriggerMessageNotImplemented}, nil
	}

	go trigger()
	return ocpp.TriggerMessageResponse{Status: ocpp.TriggerMessageAccepted}, nil
}

func (s *Station) handleDataTransfer(_ context.Context, payload json.RawMessage) (any, *ocpp.Error) {
	req, derr := decode[ocpp.DataTransferRequest](payload)
	if derr != nil {
		return nil, derr
	}
	if !strings.EqualFold(req.VendorID, simulatorVendorID) {
		return ocpp.DataTransferResponse{Status: ocpp.DataTransferUnknownVendorID}, nil
	}
	return ocpp.DataTransferResponse{Status: ocpp.DataTransferAccepted, Data: req.Data}, nil
}
