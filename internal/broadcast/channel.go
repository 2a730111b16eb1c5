// Package broadcast is the bus between the UI plane and the station
// supervisors: one request envelope fans out to every station, each matching
// station answers with exactly one response envelope per request uuid.
package broadcast

import (
	"encoding/json"
	"fmt"
)

// Procedure is a control-plane procedure name. The set is closed; the UI
// server rejects anything else before it reaches the bus.
type Procedure string

const (
	ProcSimulatorState         Procedure = "simulatorState"
	ProcStartSimulator         Procedure = "startSimulator"
	ProcStopSimulator          Procedure = "stopSimulator"
	ProcListTemplates          Procedure = "listTemplates"
	ProcListChargingStations   Procedure = "listChargingStations"
	ProcAddChargingStations    Procedure = "addChargingStations"
	ProcDeleteChargingStations Procedure = "deleteChargingStations"
	ProcPerformanceStatistics  Procedure = "performanceStatistics"
	ProcStartChargingStation   Procedure = "startChargingStation"
	ProcStopChargingStation    Procedure = "stopChargingStation"
	ProcOpenConnection         Procedure = "openConnection"
	ProcCloseConnection        Procedure = "closeConnection"
	ProcStartATG               Procedure = "startAutomaticTransactionGenerator"
	ProcStopATG                Procedure = "stopAutomaticTransactionGenerator"
	ProcSetSupervisionURL      Procedure = "setSupervisionUrl"
	ProcStartTransaction       Procedure = "startTransaction"
	ProcStopTransaction        Procedure = "stopTransaction"
	ProcAuthorize              Procedure = "authorize"
	ProcBootNotification       Procedure = "bootNotification"
	ProcStatusNotification     Procedure = "statusNotification"
	ProcHeartbeat              Procedure = "heartbeat"
	ProcMeterValues            Procedure = "meterValues"
	ProcDataTransfer           Procedure = "dataTransfer"
	ProcDiagnosticsStatus      Procedure = "diagnosticsStatusNotification"
	ProcFirmwareStatus         Procedure = "firmwareStatusNotification"
)

// Known reports whether name belongs to the closed procedure set.
func Known(name Procedure) bool {
	switch name {
	case ProcSimulatorState, ProcStartSimulator, ProcStopSimulator,
		ProcListTemplates, ProcListChargingStations, ProcAddChargingStations,
		ProcDeleteChargingStations, ProcPerformanceStatistics,
		ProcStartChargingStation, ProcStopChargingStation,
		ProcOpenConnection, ProcCloseConnection,
		ProcStartATG, ProcStopATG, ProcSetSupervisionURL,
		ProcStartTransaction, ProcStopTransaction, ProcAuthorize,
		ProcBootNotification, ProcStatusNotification, ProcHeartbeat,
		ProcMeterValues, ProcDataTransfer, ProcDiagnosticsStatus,
		ProcFirmwareStatus:
		return true
	}
	return false
}

// FleetLevel reports whether the procedure is answered by the bootstrap
// instead of being fanned out to stations.
func FleetLevel(name Procedure) bool {
	switch name {
	case ProcSimulatorState, ProcStartSimulator, ProcStopSimulator,
		ProcListTemplates, ProcListChargingStations, ProcAddChargingStations,
		ProcDeleteChargingStations, ProcPerformanceStatistics:
		return true
	}
	return false
}

// RequestPayload is the union of per-procedure request fields. Stations strip
// the addressing fields before dispatching the command.
type RequestPayload struct {
	HashIDs []string `json:"hashIds,omitempty"`
	// Deprecated: singular form, accepted with a warning, never emitted.
	HashID string `json:"hashId,omitempty"`

	ConnectorIDs []int `json:"connectorIds,omitempty"`

	ConnectorID   int    `json:"connectorId,omitempty"`
	IDTag         string `json:"idTag,omitempty"`
	TransactionID int    `json:"transactionId,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Status        string `json:"status,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`

	VendorID  string `json:"vendorId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Data      string `json:"data,omitempty"`

	URL string `json:"url,omitempty"`

	Template         string `json:"template,omitempty"`
	NumberOfStations int    `json:"numberOfStations,omitempty"`
	// Deprecated: singular form, accepted with a warning, never emitted.
	NumberOfStation int `json:"numberOfStation,omitempty"`
}

// ResponseStatus is the per-station and aggregate outcome marker.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusFailure ResponseStatus = "failure"
)

// ResponsePayload is a station reply or an aggregated UI reply.
type ResponsePayload struct {
	Status ResponseStatus `json:"status"`

	// Set on per-station replies so the aggregator can attribute them.
	HashID string `json:"hashId,omitempty"`

	// Aggregate fields.
	HashIDsSucceeded []string          `json:"hashIdsSucceeded,omitempty"`
	HashIDsFailed    []string          `json:"hashIdsFailed,omitempty"`
	ResponsesFailed  []ResponsePayload `json:"responsesFailed,omitempty"`

	// Failure detail.
	Command         string          `json:"command,omitempty"`
	RequestPayload  json.RawMessage `json:"requestPayload,omitempty"`
	CommandResponse json.RawMessage `json:"commandResponse,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	ErrorStack      string          `json:"errorStack,omitempty"`
	ErrorDetails    json.RawMessage `json:"errorDetails,omitempty"`
}

// Request is the typed form of the 3-tuple request envelope.
type Request struct {
	UUID      string
	Procedure Procedure
	Payload   RequestPayload
}

// Response is the typed form of the 2-tuple response envelope.
type Response struct {
	UUID    string
	Payload ResponsePayload
}

// Channel is the pub/sub port shared by all station supervisors and the UI
// server. Implementations guarantee FIFO ordering per sender; no global
// ordering across senders is promised.
type Channel interface {
	PublishRequest(req Request) error
	PublishResponse(resp Response) error
	SubscribeRequests(handler func(Request)) error
	SubscribeResponses(handler func(Response)) error
	Close() error
}

// EncodeRequest serialises a request to its wire tuple [uuid, procedure, payload].
func EncodeRequest(req Request) ([]byte, error) {
	return json.Marshal([]any{req.UUID, req.Procedure, req.Payload})
}

// EncodeResponse serialises a response to its wire tuple [uuid, payload].
func EncodeResponse(resp Response) ([]byte, error) {
	return json.Marshal([]any{resp.UUID, resp.Payload})
}

// DecodeRequest parses a 3-tuple request envelope.
func DecodeRequest(data []byte) (Request, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return Request{}, fmt.Errorf("broadcast: request envelope is not an array: %w", err)
	}
	if len(elems) != 3 {
		return Request{}, fmt.Errorf("broadcast: request envelope has %d elements, want 3", len(elems))
	}
	var req Request
	if err := json.Unmarshal(elems[0], &req.UUID); err != nil {
		return Request{}, fmt.Errorf("broadcast: request uuid: %w", err)
	}
	if err := json.Unmarshal(elems[1], &req.Procedure); err != nil {
		return Request{}, fmt.Errorf("broadcast: request procedure: %w", err)
	}
	if err := json.Unmarshal(elems[2], &req.Payload); err != nil {
		return Request{}, fmt.Errorf("broadcast: request payload: %w", err)
	}
	return req, nil
}

// DecodeResponse parses a 2-tuple response envelope.
func DecodeResponse(data []byte) (Response, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return Response{}, fmt.Errorf("broadcast: response envelope is not an array: %w", err)
	}
	if len(elems) != 2 {
		return Response{}, fmt.Errorf("broadcast: response envelope has %d elements, want 2", len(elems))
	}
	var resp Response
	if err := json.Unmarshal(elems[0], &resp.UUID); err != nil {
		return Response{}, fmt.Errorf("broadcast: response uuid: %w", err)
	}
	if err := json.Unmarshal(elems[1], &resp.Payload); err != nil {
		return Response{}, fmt.Errorf("broadcast: response payload: %w", err)
	}
	return resp, nil
}
