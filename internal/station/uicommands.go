package station

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/broadcast"
	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

// handleBroadcastRequest is the station side of the control plane: every
// station sees every request envelope and answers exactly once when
// addressed. Fleet-level procedures are the bootstrap's business and are
// ignored here.
func (s *Station) handleBroadcastRequest(req broadcast.Request) {
	if broadcast.FleetLevel(req.Procedure) {
		return
	}
	if !s.addressedBy(&req.Payload) {
		return
	}

	// The bus feed must not block on command execution.
	go func() {
		payload := s.executeCommand(req)
		if s.bus == nil {
			return
		}
		if err := s.bus.PublishResponse(broadcast.Response{UUID: req.UUID, Payload: payload}); err != nil {
			s.log.Error("Failed to publish command response",
				zap.String("uuid", req.UUID),
				zap.String("procedure", string(req.Procedure)),
				zap.Error(err),
			)
		}
	}()
}

// addressedBy applies the hashIds filter. An empty filter addresses every
// station; the deprecated singular field still works but logs a warning.
func (s *Station) addressedBy(p *broadcast.RequestPayload) bool {
	hashIDs := p.HashIDs
	if len(hashIDs) == 0 && p.HashID != "" {
		s.log.Warn("Deprecated 'hashId' request field used, prefer 'hashIds'")
		hashIDs = []string{p.HashID}
	}
	if len(hashIDs) == 0 {
		return true
	}
	for _, id := range hashIDs {
		if id == s.info.HashID {
			return true
		}
	}
	return false
}

// cleanedPayload strips the addressing fields before the command payload is
// echoed back in failure details. connectorIds only means something to the
// generator procedures.
func cleanedPayload(proc broadcast.Procedure, p broadcast.RequestPayload) json.RawMessage {
	p.HashIDs = nil
	p.HashID = ""
	if proc != broadcast.ProcStartATG && proc != broadcast.ProcStopATG {
		p.ConnectorIDs = nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return raw
}

func (s *Station) executeCommand(req broadcast.Request) broadcast.ResponsePayload {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultSocketTimeout)
	defer cancel()

	result, err := s.runProcedure(ctx, req.Procedure, &req.Payload)
	if err != nil {
		s.log.Warn("Command failed",
			zap.String("procedure", string(req.Procedure)),
			zap.Error(err),
		)
		failure := broadcast.ResponsePayload{
			Status:         broadcast.StatusFailure,
			HashID:         s.info.HashID,
			Command:        string(req.Procedure),
			RequestPayload: cleanedPayload(req.Procedure, req.Payload),
			ErrorMessage:   err.Error(),
		}
		if result != nil {
			if raw, merr := json.Marshal(result); merr == nil {
				failure.CommandResponse = raw
			}
		}
		return failure
	}
	return broadcast.ResponsePayload{
		Status: broadcast.StatusSuccess,
		HashID: s.info.HashID,
	}
}

// runProcedure dispatches one station-level procedure. The second return is
// the OCPP command response when one exists, echoed into failure details.
func (s *Station) runProcedure(ctx context.Context, proc broadcast.Procedure, p *broadcast.RequestPayload) (any, error) {
	switch proc {
	case broadcast.ProcStartChargingStation:
		return nil, s.Start(context.Background())

	case broadcast.ProcStopChargingStation:
		return nil, s.Stop(ctx)

	case broadcast.ProcOpenConnection:
		if !s.Started() {
			return nil, fmt.Errorf("station %s is not started", s.info.StationID)
		}
		return nil, s.OpenConnection(s.ctx)

	case broadcast.ProcCloseConnection:
		return nil, s.CloseConnection()

	case broadcast.ProcStartATG:
		return nil, s.StartATG(p.ConnectorIDs)

	case broadcast.ProcStopATG:
		return nil, s.StopATG(p.ConnectorIDs)

	case broadcast.ProcSetSupervisionURL:
		if p.URL == "" {
			return nil, fmt.Errorf("setSupervisionUrl needs a url")
		}
		s.SetSupervisionURL(p.URL)
		return nil, nil

	case broadcast.ProcStartTransaction:
		resp, err := s.StartTransaction(ctx, p.ConnectorID, p.IDTag, true)
		if err != nil {
			return nil, err
		}
		if resp.IDTagInfo.Status != ocpp.AuthorizationAccepted {
			return resp, fmt.Errorf("StartTransaction refused: %s", resp.IDTagInfo.Status)
		}
		return resp, nil

	case broadcast.ProcStopTransaction:
		reason := ocpp.ReasonLocal
		if p.Reason != "" {
			reason = ocpp.Reason(p.Reason)
		}
		return s.StopTransaction(ctx, p.TransactionID, reason)

	case broadcast.ProcAuthorize:
		resp, err := s.Authorize(ctx, p.ConnectorID, p.IDTag)
		if err != nil {
			return nil, err
		}
		if resp.IDTagInfo.Status != ocpp.AuthorizationAccepted {
			return resp, fmt.Errorf("idTag %s not authorized: %s", p.IDTag, resp.IDTagInfo.Status)
		}
		return resp, nil

	case broadcast.ProcBootNotification:
		resp, err := s.BootNotification(ctx)
		if err != nil {
			return nil, err
		}
		if resp.Status != ocpp.RegistrationAccepted {
			return resp, fmt.Errorf("BootNotification answered %s", resp.Status)
		}
		return resp, nil

	case broadcast.ProcStatusNotification:
		errorCode := p.ErrorCode
		if errorCode == "" {
			errorCode = "NoError"
		}
		return s.StatusNotification(ctx, p.ConnectorID, ocpp.ChargePointStatus(p.Status), errorCode)

	case broadcast.ProcHeartbeat:
		return s.Heartbeat(ctx)

	case broadcast.ProcMeterValues:
		mv := s.sampleMeterValue(p.ConnectorID, 0, ocpp.ContextTrigger)
		if mv == nil {
			return nil, fmt.Errorf("no connector %d to sample", p.ConnectorID)
		}
		return s.MeterValues(ctx, p.ConnectorID, p.TransactionID, []ocpp.MeterValue{*mv})

	case broadcast.ProcDataTransfer:
		resp, err := s.DataTransfer(ctx, p.VendorID, p.MessageID, p.Data)
		if err != nil {
			return nil, err
		}
		if resp.Status != ocpp.DataTransferAccepted {
			return resp, fmt.Errorf("DataTransfer answered %s", resp.Status)
		}
		return resp, nil

	case broadcast.ProcDiagnosticsStatus:
		status := p.Status
		if status == "" {
			status = "Idle"
		}
		return nil, s.DiagnosticsStatusNotification(ctx, status)

	case broadcast.ProcFirmwareStatus:
		status := p.Status
		if status == "" {
			status = "Idle"
		}
		return nil, s.FirmwareStatusNotification(ctx, status)
	}

	return nil, fmt.Errorf("unknown procedure %q", proc)
}
