package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type CurrentType string

const (
	CurrentTypeAC CurrentType = "AC"
	CurrentTypeDC CurrentType = "DC"
)

// AmperageUnit is the unit the amperage-limitation value is expressed in.
type AmperageUnit string

const (
	AmperageUnitAmpere      AmperageUnit = "A"
	AmperageUnitDeciAmpere  AmperageUnit = "dA"
	AmperageUnitCentiAmpere AmperageUnit = "cA"
	AmperageUnitMilliAmpere AmperageUnit = "mA"
)

// AmperageDivider returns the divisor that converts a limitation value in the
// given unit to amperes.
func (u AmperageUnit) AmperageDivider() float64 {
	switch u {
	case AmperageUnitMilliAmpere:
		return 1000
	case AmperageUnitCentiAmpere:
		return 100
	case AmperageUnitDeciAmpere:
		return 10
	default:
		return 1
	}
}

// BasicAuth carries supervision or UI credentials.
type BasicAuth struct {
	Enabled  bool   `json:"enabled"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// StationInfo is the derived identity and electrical profile of a simulated
// station. It is built once from the template and immutable afterwards except
// for SupervisionURL, which setSupervisionUrl may swap for the next connect.
type StationInfo struct {
	StationID               string       `json:"stationId"`
	HashID                  string       `json:"hashId"`
	ChargePointModel        string       `json:"chargePointModel"`
	ChargePointVendor       string       `json:"chargePointVendor"`
	ChargePointSerialNumber string       `json:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   string       `json:"chargeBoxSerialNumber,omitempty"`
	FirmwareVersion         string       `json:"firmwareVersion,omitempty"`
	MeterSerialNumber       string       `json:"meterSerialNumber,omitempty"`
	MeterType               string       `json:"meterType,omitempty"`
	OCPPVersion             string       `json:"ocppVersion"`
	SupervisionURL          string       `json:"supervisionUrl"`
	SupervisionAuth         BasicAuth    `json:"-"`
	CurrentOutType          CurrentType  `json:"currentOutType"`
	VoltageOut              int          `json:"voltageOut"`
	NumberOfPhases          int          `json:"numberOfPhases"`
	MaximumPower            float64      `json:"maximumPower"` // W
	AmperageLimitation      int          `json:"amperageLimitation,omitempty"`
	AmperageLimitationUnit  AmperageUnit `json:"amperageLimitationUnit,omitempty"`

	OCPPStrictCompliance      bool `json:"ocppStrictCompliance"`
	BeginEndMeterValues       bool `json:"beginEndMeterValues"`
	MeteringPerTransaction    bool `json:"meteringPerTransaction"`
	AutoRegister              bool `json:"autoRegister"`
	RemoteAuthorization       bool `json:"remoteAuthorization"`
	StopTransactionsOnStopped bool `json:"stopTransactionsOnStopped"`
	EnableStatistics          bool `json:"enableStatistics"`
}

// hashSeed is the canonical serialization the station fingerprint is computed
// over. Field order is part of the contract: changing it changes every hashId.
type hashSeed struct {
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty"`
	MeterType               string `json:"meterType,omitempty"`
}

// ComputeHashID derives the stable control-plane address of a station from
// its identity fields and derived station id.
func ComputeHashID(info *StationInfo) (string, error) {
	seed := hashSeed{
		ChargePointModel:        info.ChargePointModel,
		ChargePointVendor:       info.ChargePointVendor,
		ChargePointSerialNumber: info.ChargePointSerialNumber,
		ChargeBoxSerialNumber:   info.ChargeBoxSerialNumber,
		MeterType:               info.MeterType,
	}
	canonical, err := json.Marshal(seed)
	if err != nil {
		return "", fmt.Errorf("domain: marshal hash seed: %w", err)
	}
	sum := sha256.Sum256(append(canonical, []byte(info.StationID)...))
	return hex.EncodeToString(sum[:]), nil
}
