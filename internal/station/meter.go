package station

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/domain"
	"github.com/seu-repo/sigec-sim/internal/observability/telemetry"
	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

var defaultMeasurands = []string{string(ocpp.MeasurandEnergyActiveImportRegister)}

func (s *Station) meterValuesInterval() time.Duration {
	s.mu.Lock()
	cfg := s.ocppConfig
	s.mu.Unlock()
	if cfg == nil {
		return DefaultMeterValuesInterval
	}
	return cfg.SecondsValue(ocpp.KeyMeterValueSampleInterval, DefaultMeterValuesInterval)
}

// sampledMeasurandsLocked resolves which measurands a connector samples: the
// connector template wins, then the MeterValuesSampledData key, then the
// energy register alone. Callers hold s.mu; the configuration store has its
// own lock.
func (s *Station) sampledMeasurandsLocked(connectorID int) []string {
	if ct, ok := s.tmpl.Connectors[strconv.Itoa(connectorID)]; ok && len(ct.SupportedMeasurands) > 0 {
		return ct.SupportedMeasurands
	}
	if s.ocppConfig != nil {
		if ms := s.ocppConfig.CSVValue(ocpp.KeyMeterValuesSampledData, nil); len(ms) > 0 {
			return ms
		}
	}
	return defaultMeasurands
}

// connectorMaxPowerW is the hard power ceiling of a connector in watts: the
// connector template limit (station-wide otherwise) further capped by the
// amperage limitation.
func (s *Station) connectorMaxPowerW(connectorID int) float64 {
	maxW := s.info.MaximumPower
	if ct, ok := s.tmpl.Connectors[strconv.Itoa(connectorID)]; ok && ct.MaximumPower > 0 {
		maxW = ct.MaximumPower
	}
	if s.info.AmperageLimitation > 0 {
		amps := float64(s.info.AmperageLimitation) / s.info.AmperageLimitationUnit.AmperageDivider()
		phases := s.info.NumberOfPhases
		if phases <= 0 || s.info.CurrentOutType == domain.CurrentTypeDC {
			phases = 1
		}
		if limited := amps * float64(s.info.VoltageOut) * float64(phases); limited > 0 && limited < maxW {
			maxW = limited
		}
	}
	return maxW
}

// currentPowerW simulates the power the EV draws right now: the connector
// ceiling, capped by any applicable charging profile, with a small wobble so
// consecutive samples differ.
func (s *Station) currentPowerW(c *domain.ConnectorState, connectorID int, now time.Time) float64 {
	power := s.connectorMaxPowerW(connectorID)
	if limit, ok := domain.ChargingProfileLimit(c.ChargingProfiles, s.info, now, c.TransactionStart); ok && limit < power {
		power = limit
	}
	if power <= 0 {
		return 0
	}
	return power * (0.85 + 0.15*rand.Float64())
}

// sampleMeterValue takes one periodic sample: it advances the energy counters
// by at most ceiling·interval worth of energy and renders the configured
// measurands. Counter mutation and rendering happen under the station lock.
func (s *Station) sampleMeterValue(connectorID int, interval time.Duration, context ocpp.ReadingContext) *ocpp.MeterValue {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.connectors[connectorID]
	if !ok {
		return nil
	}

	power := s.currentPowerW(c, connectorID, now)
	incrementWh := int(power * interval.Seconds() / 3600)
	if incrementWh > 0 {
		c.EnergyActiveImportRegisterValue += incrementWh
		c.TransactionEnergyActiveImportRegisterValue += incrementWh
		telemetry.EnergyDeliveredWh.Add(float64(incrementWh))
	}

	return s.renderMeterValueLocked(c, connectorID, power, now, context)
}

// renderMeterValueLocked builds the sampled values for the connector's
// measurands. Callers hold s.mu.
func (s *Station) renderMeterValueLocked(c *domain.ConnectorState, connectorID int, power float64, now time.Time, context ocpp.ReadingContext) *ocpp.MeterValue {
	var samples []ocpp.SampledValue
	for _, m := range s.sampledMeasurandsLocked(connectorID) {
		switch ocpp.Measurand(m) {
		case ocpp.MeasurandEnergyActiveImportRegister:
			value := c.EnergyActiveImportRegisterValue
			if s.info.MeteringPerTransaction {
				value = c.TransactionEnergyActiveImportRegisterValue
			}
			samples = append(samples, ocpp.SampledValue{
				Value:     strconv.Itoa(value),
				Context:   context,
				Measurand: ocpp.MeasurandEnergyActiveImportRegister,
				Unit:      "Wh",
			})
		case ocpp.MeasurandPowerActiveImport:
			samples = append(samples, ocpp.SampledValue{
				Value:     fmt.Sprintf("%.1f", power),
				Context:   context,
				Measurand: ocpp.MeasurandPowerActiveImport,
				Unit:      "W",
			})
		case ocpp.MeasurandCurrentImport:
			amps := 0.0
			if v := float64(s.info.VoltageOut); v > 0 {
				phases := s.info.NumberOfPhases
				if phases <= 0 || s.info.CurrentOutType == domain.CurrentTypeDC {
					phases = 1
				}
				amps = power / (v * float64(phases))
			}
			samples = append(samples, ocpp.SampledValue{
				Value:     fmt.Sprintf("%.1f", amps),
				Context:   context,
				Measurand: ocpp.MeasurandCurrentImport,
				Unit:      "A",
			})
		case ocpp.MeasurandVoltage:
			samples = append(samples, ocpp.SampledValue{
				Value:     strconv.Itoa(s.info.VoltageOut),
				Context:   context,
				Measurand: ocpp.MeasurandVoltage,
				Unit:      "V",
			})
		case ocpp.MeasurandStateOfCharge:
			samples = append(samples, ocpp.SampledValue{
				Value:     strconv.Itoa(s.stateOfChargeLocked(c)),
				Context:   context,
				Measurand: ocpp.MeasurandStateOfCharge,
				Unit:      "Percent",
			})
		default:
			s.log.Debug("Unsupported measurand skipped", zap.String("measurand", m))
		}
	}
	if len(samples) == 0 {
		return nil
	}
	return &ocpp.MeterValue{
		Timestamp:    now.UTC().Format(time.RFC3339),
		SampledValue: samples,
	}
}

// stateOfChargeLocked fakes a battery curve: it climbs with the energy the
// transaction delivered and saturates at 100.
func (s *Station) stateOfChargeLocked(c *domain.ConnectorState) int {
	const batteryWh = 50000
	soc := 20 + c.TransactionEnergyActiveImportRegisterValue*80/batteryWh
	if soc > 100 {
		soc = 100
	}
	if soc < 0 {
		soc = 0
	}
	return soc
}

// transactionBeginMeterValue renders the Transaction.Begin reading without
// advancing any counter.
func (s *Station) transactionBeginMeterValue(connectorID int) *ocpp.MeterValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[connectorID]
	if !ok {
		return nil
	}
	return s.renderMeterValueLocked(c, connectorID, 0, time.Now(), ocpp.ContextTransactionBegin)
}

// transactionEndMeterValue renders the Transaction.End reading without
// advancing any counter.
func (s *Station) transactionEndMeterValue(connectorID int) *ocpp.MeterValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[connectorID]
	if !ok {
		return nil
	}
	return s.renderMeterValueLocked(c, connectorID, 0, time.Now(), ocpp.ContextTransactionEnd)
}

// startMeterValuesLoop starts the periodic sampler for a transaction. At most
// one loop runs per connector.
func (s *Station) startMeterValuesLoop(connectorID, transactionID int) {
	interval := s.meterValuesInterval()
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	if _, running := s.meterStop[connectorID]; running {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.meterStop[connectorID] = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				mv := s.sampleMeterValue(connectorID, interval, ocpp.ContextSamplePeriodic)
				if mv == nil {
					continue
				}
				if _, err := s.MeterValues(s.ctx, connectorID, transactionID, []ocpp.MeterValue{*mv}); err != nil {
					s.log.Warn("MeterValues failed",
						zap.Int("connector_id", connectorID),
						zap.Error(err),
					)
				}
			}
		}
	}()
}

func (s *Station) stopMeterValuesLoop(connectorID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.meterStop[connectorID]; ok {
		close(stop)
		delete(s.meterStop, connectorID)
	}
}

// stopAllMeterValuesLoops halts every periodic sampler. Called on station
// stop so no sampler outlives its station.
func (s *Station) stopAllMeterValuesLoops() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, stop := range s.meterStop {
		close(stop)
		delete(s.meterStop, id)
	}
}
