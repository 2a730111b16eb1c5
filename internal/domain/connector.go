package domain

import (
	"time"

	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

// Reservation is a pending connector reservation.
type Reservation struct {
	ReservationID int
	IDTag         string
	ExpiryDate    time.Time
}

// ConnectorState is the per-connector state machine data. Connector 0 is the
// station-wide virtual connector: always Operative, never transacting.
//
// Only the owning station supervisor mutates a ConnectorState.
type ConnectorState struct {
	ID           int
	Availability ocpp.AvailabilityType
	Status       ocpp.ChargePointStatus
	BootStatus   ocpp.ChargePointStatus

	// Availability change deferred until the running transaction ends.
	PendingAvailability ocpp.AvailabilityType

	IDTagLocalAuthorized bool
	IDTagAuthorized      bool
	LocalAuthorizeIDTag  string
	AuthorizeIDTag       string

	TransactionRemoteStarted   bool
	TransactionStarted         bool
	TransactionID              int
	TransactionIDTag           string
	TransactionStart           time.Time
	TransactionBeginMeterValue int

	// Energy counters, Wh.
	EnergyActiveImportRegisterValue            int
	TransactionEnergyActiveImportRegisterValue int

	Reservation      *Reservation
	ChargingProfiles []ocpp.ChargingProfile
}

// NewConnectorState builds an Operative, Available connector.
func NewConnectorState(id int) *ConnectorState {
	return &ConnectorState{
		ID:           id,
		Availability: ocpp.AvailabilityOperative,
		Status:       ocpp.StatusAvailable,
	}
}

// Operative reports whether the connector accepts transactions.
func (c *ConnectorState) Operative() bool {
	return c.Availability == ocpp.AvailabilityOperative
}

// InTransaction reports whether a transaction is running on the connector.
func (c *ConnectorState) InTransaction() bool {
	return c.TransactionStarted
}

// BeginTransaction records an accepted StartTransaction. The authorization
// fields are left as set by the authorize step.
func (c *ConnectorState) BeginTransaction(txID int, idTag string, remote bool, start time.Time) {
	c.TransactionStarted = true
	c.TransactionRemoteStarted = remote
	c.TransactionID = txID
	c.TransactionIDTag = idTag
	c.TransactionStart = start
	c.TransactionBeginMeterValue = c.EnergyActiveImportRegisterValue
	c.TransactionEnergyActiveImportRegisterValue = 0
}

// ResetTransaction clears every transaction-scoped field together, honoring
// the all-or-nothing invariant on transaction reset.
func (c *ConnectorState) ResetTransaction() {
	c.TransactionRemoteStarted = false
	c.TransactionStarted = false
	c.TransactionID = 0
	c.TransactionIDTag = ""
	c.TransactionStart = time.Time{}
	c.TransactionBeginMeterValue = 0
	c.TransactionEnergyActiveImportRegisterValue = 0
	c.IDTagLocalAuthorized = false
	c.IDTagAuthorized = false
	c.LocalAuthorizeIDTag = ""
	c.AuthorizeIDTag = ""
}

// ReservedFor reports whether the connector holds a live reservation for a
// different idTag.
func (c *ConnectorState) ReservedFor(idTag string, now time.Time) bool {
	if c.Reservation == nil || now.After(c.Reservation.ExpiryDate) {
		return false
	}
	return c.Reservation.IDTag != idTag
}
