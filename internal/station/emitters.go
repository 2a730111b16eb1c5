package station

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/domain"
	"github.com/seu-repo/sigec-sim/internal/observability/telemetry"
	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

// call issues an outgoing CALL and decodes the CALLRESULT payload into out.
// It is the single funnel for outgoing request metrics and for the blocked
// state: a Rejected registration allows nothing but BootNotification out.
func (s *Station) call(ctx context.Context, action string, payload any, out any, opts RequestOptions) error {
	if action != ocpp.ActionBootNotification && s.blocked() {
		telemetry.OCPPRequestErrors.WithLabelValues(action).Inc()
		return fmt.Errorf("station %s: registration rejected, only BootNotification may be sent", s.info.StationID)
	}
	telemetry.OCPPMessagesTotal.WithLabelValues(action, "out").Inc()

	raw, err := s.requester.Request(ctx, action, payload, opts)
	if err != nil {
		telemetry.OCPPRequestErrors.WithLabelValues(action).Inc()
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("station: decode %s response: %w", action, err)
	}
	return nil
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// BootNotification performs the registration handshake. It is the only CALL
// allowed while the station is not yet Accepted, so it never queues.
func (s *Station) BootNotification(ctx context.Context) (*ocpp.BootNotificationResponse, error) {
	req := ocpp.BootNotificationRequest{
		ChargePointVendor:       s.info.ChargePointVendor,
		ChargePointModel:        s.info.ChargePointModel,
		ChargePointSerialNumber: s.info.ChargePointSerialNumber,
		ChargeBoxSerialNumber:   s.info.ChargeBoxSerialNumber,
		FirmwareVersion:         s.info.FirmwareVersion,
		MeterType:               s.info.MeterType,
		MeterSerialNumber:       s.info.MeterSerialNumber,
	}

	var resp ocpp.BootNotificationResponse
	if err := s.call(ctx, ocpp.ActionBootNotification, req, &resp, RequestOptions{SkipBufferingOnError: true}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.bootStatus = resp.Status
	if resp.Interval > 0 {
		s.bootInterval = time.Duration(resp.Interval) * time.Second
	}
	s.mu.Unlock()

	s.log.Info("BootNotification answered",
		zap.String("status", string(resp.Status)),
		zap.Int("interval", resp.Interval),
	)
	return &resp, nil
}

// Heartbeat keeps the registration alive. It fails fast while disconnected
// instead of piling stale heartbeats into the buffer.
func (s *Station) Heartbeat(ctx context.Context) (*ocpp.HeartbeatResponse, error) {
	var resp ocpp.HeartbeatResponse
	err := s.call(ctx, ocpp.ActionHeartbeat, ocpp.HeartbeatRequest{}, &resp, RequestOptions{SkipBufferingOnError: true})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// StatusNotification reports a connector status transition. The local state is
// updated before the CALL goes out so a buffered notification still reflects
// the state it announced.
func (s *Station) StatusNotification(ctx context.Context, connectorID int, status ocpp.ChargePointStatus, errorCode string) (*ocpp.StatusNotificationResponse, error) {
	s.mu.Lock()
	if c, ok := s.connectors[connectorID]; ok {
		c.Status = status
	}
	s.mu.Unlock()

	req := ocpp.StatusNotificationRequest{
		ConnectorID: connectorID,
		ErrorCode:   errorCode,
		Status:      status,
		Timestamp:   isoNow(),
	}
	var resp ocpp.StatusNotificationResponse
	if err := s.call(ctx, ocpp.ActionStatusNotification, req, &resp, RequestOptions{}); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Authorize asks the supervision server to clear an idTag for the connector.
func (s *Station) Authorize(ctx context.Context, connectorID int, idTag string) (*ocpp.AuthorizeResponse, error) {
	var resp ocpp.AuthorizeResponse
	if err := s.call(ctx, ocpp.ActionAuthorize, ocpp.AuthorizeRequest{IDTag: idTag}, &resp, RequestOptions{}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if c, ok := s.connectors[connectorID]; ok {
		if resp.IDTagInfo.Status == ocpp.AuthorizationAccepted {
			c.IDTagAuthorized = true
			c.AuthorizeIDTag = idTag
		} else {
			c.IDTagAuthorized = false
			c.AuthorizeIDTag = ""
		}
	}
	s.mu.Unlock()
	return &resp, nil
}

// StartTransaction begins a transaction on the connector. On acceptance the
// connector moves to Charging, the periodic MeterValues sampler starts, and
// the transaction counters are primed.
func (s *Station) StartTransaction(ctx context.Context, connectorID int, idTag string, remote bool) (*ocpp.StartTransactionResponse, error) {
	s.mu.Lock()
	c, ok := s.connectors[connectorID]
	if !ok || connectorID == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("station %s: no connector %d", s.info.StationID, connectorID)
	}
	if !c.Operative() {
		s.mu.Unlock()
		return nil, fmt.Errorf("station %s: connector %d is inoperative", s.info.StationID, connectorID)
	}
	if c.InTransaction() {
		s.mu.Unlock()
		return nil, fmt.Errorf("station %s: connector %d already has transaction %d", s.info.StationID, connectorID, c.TransactionID)
	}
	meterStart := c.EnergyActiveImportRegisterValue
	var reservationID int
	if c.Reservation != nil && c.Reservation.IDTag == idTag {
		reservationID = c.Reservation.ReservationID
	}
	s.mu.Unlock()

	if _, err := s.StatusNotification(ctx, connectorID, ocpp.StatusPreparing, "NoError"); err != nil {
		s.log.Warn("Preparing StatusNotification failed", zap.Error(err))
	}

	req := ocpp.StartTransactionRequest{
		ConnectorID:   connectorID,
		IDTag:         idTag,
		MeterStart:    meterStart,
		Timestamp:     isoNow(),
		ReservationID: reservationID,
	}
	var resp ocpp.StartTransactionResponse
	if err := s.call(ctx, ocpp.ActionStartTransaction, req, &resp, RequestOptions{}); err != nil {
		_, _ = s.StatusNotification(ctx, connectorID, ocpp.StatusAvailable, "NoError")
		return nil, err
	}

	if resp.IDTagInfo.Status != ocpp.AuthorizationAccepted {
		s.log.Info("StartTransaction refused",
			zap.Int("connector_id", connectorID),
			zap.String("id_tag", idTag),
			zap.String("status", string(resp.IDTagInfo.Status)),
		)
		s.mu.Lock()
		c.ResetTransaction()
		if c.Reservation != nil && c.Reservation.ReservationID == reservationID && reservationID != 0 {
			c.Reservation = nil
		}
		s.mu.Unlock()
		_, _ = s.StatusNotification(ctx, connectorID, ocpp.StatusAvailable, "NoError")
		return &resp, nil
	}

	now := time.Now()
	s.mu.Lock()
	c.BeginTransaction(resp.TransactionID, idTag, remote, now)
	if reservationID != 0 {
		c.Reservation = nil
	}
	s.mu.Unlock()

	telemetry.ActiveTransactions.Inc()
	s.log.Info("Transaction started",
		zap.Int("connector_id", connectorID),
		zap.Int("transaction_id", resp.TransactionID),
		zap.String("id_tag", idTag),
		zap.Bool("remote", remote),
	)

	if s.info.BeginEndMeterValues {
		if mv := s.transactionBeginMeterValue(connectorID); mv != nil {
			_, _ = s.MeterValues(ctx, connectorID, resp.TransactionID, []ocpp.MeterValue{*mv})
		}
	}

	if _, err := s.StatusNotification(ctx, connectorID, ocpp.StatusCharging, "NoError"); err != nil {
		s.log.Warn("Charging StatusNotification failed", zap.Error(err))
	}

	s.startMeterValuesLoop(connectorID, resp.TransactionID)
	return &resp, nil
}

// StopTransaction ends the transaction with the given id wherever it runs.
// The connector passes through Finishing, every transaction-scoped field is
// cleared together, and a deferred availability change is applied.
func (s *Station) StopTransaction(ctx context.Context, transactionID int, reason ocpp.Reason) (*ocpp.StopTransactionResponse, error) {
	s.mu.Lock()
	var c *connectorRef
	for id, cs := range s.connectors {
		if id > 0 && cs.InTransaction() && cs.TransactionID == transactionID {
			c = &connectorRef{id: id, state: cs}
			break
		}
	}
	if c == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("station %s: no running transaction %d", s.info.StationID, transactionID)
	}
	idTag := c.state.TransactionIDTag
	meterStop := c.state.EnergyActiveImportRegisterValue
	s.mu.Unlock()

	s.stopMeterValuesLoop(c.id)

	if _, err := s.StatusNotification(ctx, c.id, ocpp.StatusFinishing, "NoError"); err != nil {
		s.log.Warn("Finishing StatusNotification failed", zap.Error(err))
	}

	req := ocpp.StopTransactionRequest{
		IDTag:         idTag,
		MeterStop:     meterStop,
		Timestamp:     isoNow(),
		TransactionID: transactionID,
		Reason:        reason,
	}
	if s.info.BeginEndMeterValues {
		if mv := s.transactionEndMeterValue(c.id); mv != nil {
			req.TransactionData = []ocpp.MeterValue{*mv}
		}
	}

	var resp ocpp.StopTransactionResponse
	err := s.call(ctx, ocpp.ActionStopTransaction, req, &resp, RequestOptions{})

	s.mu.Lock()
	c.state.ResetTransaction()
	next := ocpp.StatusAvailable
	if c.state.PendingAvailability != "" {
		c.state.Availability = c.state.PendingAvailability
		c.state.PendingAvailability = ""
	}
	if !c.state.Operative() {
		next = ocpp.StatusUnavailable
	}
	s.mu.Unlock()

	telemetry.ActiveTransactions.Dec()
	if _, nerr := s.StatusNotification(ctx, c.id, next, "NoError"); nerr != nil {
		s.log.Warn("Post-transaction StatusNotification failed", zap.Error(nerr))
	}

	if err != nil {
		return nil, err
	}
	s.log.Info("Transaction stopped",
		zap.Int("connector_id", c.id),
		zap.Int("transaction_id", transactionID),
		zap.String("reason", string(reason)),
	)
	return &resp, nil
}

type connectorRef struct {
	id    int
	state *domain.ConnectorState
}

// MeterValues sends sampled values for a connector, tied to a transaction when
// transactionID is non-zero.
func (s *Station) MeterValues(ctx context.Context, connectorID, transactionID int, values []ocpp.MeterValue) (*ocpp.MeterValuesResponse, error) {
	if len(values) == 0 {
		return &ocpp.MeterValuesResponse{}, nil
	}
	req := ocpp.MeterValuesRequest{
		ConnectorID:   connectorID,
		TransactionID: transactionID,
		MeterValue:    values,
	}
	var resp ocpp.MeterValuesResponse
	if err := s.call(ctx, ocpp.ActionMeterValues, req, &resp, RequestOptions{}); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DataTransfer sends a vendor-specific payload.
func (s *Station) DataTransfer(ctx context.Context, vendorID, messageID, data string) (*ocpp.DataTransferResponse, error) {
	req := ocpp.DataTransferRequest{
		VendorID:  vendorID,
		MessageID: messageID,
		Data:      data,
	}
	var resp ocpp.DataTransferResponse
	if err := s.call(ctx, ocpp.ActionDataTransfer, req, &resp, RequestOptions{}); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DiagnosticsStatusNotification reports diagnostics upload progress.
func (s *Station) DiagnosticsStatusNotification(ctx context.Context, status string) error {
	req := ocpp.DiagnosticsStatusNotificationRequest{Status: status}
	return s.call(ctx, ocpp.ActionDiagnosticsStatusNotification, req, &ocpp.DiagnosticsStatusNotificationResponse{}, RequestOptions{})
}

// FirmwareStatusNotification reports firmware update progress.
func (s *Station) FirmwareStatusNotification(ctx context.Context, status string) error {
	req := ocpp.FirmwareStatusNotificationRequest{Status: status}
	return s.call(ctx, ocpp.ActionFirmwareStatusNotification, req, &ocpp.FirmwareStatusNotificationResponse{}, RequestOptions{})
}
