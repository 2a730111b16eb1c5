package station

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seu-repo/sigec-sim/internal/domain"
	"github.com/seu-repo/sigec-sim/internal/mocks"
	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

func testTemplate() *domain.StationTemplate {
	return &domain.StationTemplate{
		TemplateName:       "sim-test",
		BaseName:           "sim-test",
		ChargePointModel:   "Simulator",
		ChargePointVendor:  "sigec",
		MaximumPower:       22000,
		VoltageOut:         230,
		NumberOfPhases:     3,
		CurrentOutType:     domain.CurrentTypeAC,
		NumberOfConnectors: 2,
	}
}

func testInfo(tmpl *domain.StationTemplate) *domain.StationInfo {
	return &domain.StationInfo{
		StationID:         "sim-test-0001",
		HashID:            "deadbeefdeadbeefdeadbeefdeadbeef",
		ChargePointModel:  tmpl.ChargePointModel,
		ChargePointVendor: tmpl.ChargePointVendor,
		OCPPVersion:       "1.6",
		SupervisionURL:    "ws://localhost:9000/ocpp",
		CurrentOutType:    tmpl.CurrentOutType,
		VoltageOut:        tmpl.VoltageOut,
		NumberOfPhases:    tmpl.NumberOfPhases,
		MaximumPower:      tmpl.MaximumPower,
	}
}

// newBenchStation builds a supervisor with its connectors and configuration
// seeded but no connection opened.
func newBenchStation(t *testing.T, tmpl *domain.StationTemplate) *Station {
	t.Helper()
	s, err := New(testInfo(tmpl), tmpl, mocks.NewMockChannel(), nil, Options{}, newTestLogger())
	require.NoError(t, err)

	s.mu.Lock()
	s.buildConnectorsLocked()
	s.ocppConfig = s.seedConfigurationLocked()
	s.mu.Unlock()
	return s
}

func TestSupervisionEndpoint(t *testing.T) {
	assert.Equal(t, "ws://csms/ocpp/CS-1", supervisionEndpoint("ws://csms/ocpp", "CS-1"))
	assert.Equal(t, "ws://csms/ocpp/CS-1", supervisionEndpoint("ws://csms/ocpp/", "CS-1"))
}

func TestNew_BuildsVirtualConnectorZero(t *testing.T) {
	s := newBenchStation(t, testTemplate())

	c, ok := s.Connector(0)
	require.True(t, ok)
	assert.True(t, c.Operative())
	assert.Equal(t, []int{1, 2}, s.ConnectorIDs(), "connector 0 excluded from the physical list")
}

func TestNew_TemplateBootStatusHonored(t *testing.T) {
	tmpl := testTemplate()
	tmpl.Connectors = map[string]domain.ConnectorTemplate{
		"1": {BootStatus: ocpp.StatusUnavailable},
	}
	tmpl.NumberOfConnectors = 0

	s := newBenchStation(t, tmpl)

	c, ok := s.Connector(1)
	require.True(t, ok)
	assert.Equal(t, ocpp.StatusUnavailable, c.Status)
}

func TestNew_SeedsNumberOfConnectorsReadOnly(t *testing.T) {
	s := newBenchStation(t, testTemplate())

	kv, ok := s.ocppConfig.Get(ocpp.KeyNumberOfConnectors)
	require.True(t, ok)
	assert.True(t, kv.Readonly)
	assert.Equal(t, "2", *kv.Value)
}

func TestNew_InvalidATGConfigRejected(t *testing.T) {
	tmpl := testTemplate()
	tmpl.AutomaticTransactionGenerator = &domain.ATGConfig{
		MinDuration:        120,
		MaxDuration:        60,
		ProbabilityOfStart: 0.5,
		StopAfterHours:     1,
	}

	_, err := New(testInfo(tmpl), tmpl, mocks.NewMockChannel(), nil, Options{}, newTestLogger())
	assert.Error(t, err)
}

func TestConnectorMaxPower_TemplateCeiling(t *testing.T) {
	tmpl := testTemplate()
	tmpl.Connectors = map[string]domain.ConnectorTemplate{
		"1": {MaximumPower: 7400},
	}
	tmpl.NumberOfConnectors = 2
	s := newBenchStation(t, tmpl)

	assert.Equal(t, 7400.0, s.connectorMaxPowerW(1), "connector template wins")
	assert.Equal(t, 22000.0, s.connectorMaxPowerW(2), "station ceiling otherwise")
}

func TestConnectorMaxPower_AmperageLimitation(t *testing.T) {
	tmpl := testTemplate()
	s := newBenchStation(t, tmpl)
	s.info.AmperageLimitation = 16
	s.info.AmperageLimitationUnit = domain.AmperageUnitAmpere

	// 16 A * 230 V * 3 phases = 11040 W, below the 22 kW station ceiling.
	assert.Equal(t, 16.0*230*3, s.connectorMaxPowerW(1))

	s.info.AmperageLimitation = 16000
	s.info.AmperageLimitationUnit = domain.AmperageUnitMilliAmpere
	assert.Equal(t, 16.0*230*3, s.connectorMaxPowerW(1), "milliampere divider applied")
}

func TestConnectorMaxPower_DCUsesSinglePhase(t *testing.T) {
	tmpl := testTemplate()
	tmpl.CurrentOutType = domain.CurrentTypeDC
	s := newBenchStation(t, tmpl)
	s.info.CurrentOutType = domain.CurrentTypeDC
	s.info.AmperageLimitation = 50

	assert.Equal(t, 50.0*230, s.connectorMaxPowerW(1))
}

func TestSampleMeterValue_EnergyMonotonic(t *testing.T) {
	s := newBenchStation(t, testTemplate())

	var last int
	for i := 0; i < 5; i++ {
		mv := s.sampleMeterValue(1, time.Hour, ocpp.ContextSamplePeriodic)
		require.NotNil(t, mv)
		require.NotEmpty(t, mv.SampledValue)

		value, err := strconv.Atoi(mv.SampledValue[0].Value)
		require.NoError(t, err)
		assert.Greater(t, value, last, "energy register only climbs")
		last = value
	}
}

func TestSampleMeterValue_UnknownConnector(t *testing.T) {
	s := newBenchStation(t, testTemplate())
	assert.Nil(t, s.sampleMeterValue(9, time.Minute, ocpp.ContextSamplePeriodic))
}

func TestSampledMeasurands_Resolution(t *testing.T) {
	tmpl := testTemplate()
	tmpl.Connectors = map[string]domain.ConnectorTemplate{
		"1": {SupportedMeasurands: []string{
			string(ocpp.MeasurandEnergyActiveImportRegister),
			string(ocpp.MeasurandPowerActiveImport),
		}},
	}
	s := newBenchStation(t, tmpl)

	s.mu.Lock()
	fromTemplate := s.sampledMeasurandsLocked(1)
	fallback := s.sampledMeasurandsLocked(2)
	s.mu.Unlock()

	assert.Len(t, fromTemplate, 2)
	assert.Equal(t, defaultMeasurands, fallback)
}

func TestHeartbeatInterval_Resolution(t *testing.T) {
	s := newBenchStation(t, testTemplate())

	assert.Equal(t, DefaultHeartbeatInterval, s.heartbeatInterval())

	s.mu.Lock()
	s.bootInterval = 90 * time.Second
	s.mu.Unlock()
	assert.Equal(t, 90*time.Second, s.heartbeatInterval(), "boot response interval wins over the default")

	v := "30"
	s.ocppConfig.keys = append(s.ocppConfig.keys, ocpp.KeyValue{Key: ocpp.KeyHeartbeatInterval, Value: &v})
	assert.Equal(t, 30*time.Second, s.heartbeatInterval(), "configuration key wins over the boot interval")
}

func TestInitialStatus(t *testing.T) {
	s := newBenchStation(t, testTemplate())

	c := domain.NewConnectorState(1)
	c.Status = ""
	assert.Equal(t, ocpp.StatusAvailable, s.initialStatus(c))

	c.BootStatus = ocpp.StatusPreparing
	assert.Equal(t, ocpp.StatusPreparing, s.initialStatus(c))

	c.Status = ocpp.StatusCharging
	assert.Equal(t, ocpp.StatusCharging, s.initialStatus(c))

	c.Availability = ocpp.AvailabilityInoperative
	assert.Equal(t, ocpp.StatusUnavailable, s.initialStatus(c))
}

func TestOptions_WithDefaults(t *testing.T) {
	var opts Options
	opts.withDefaults()

	assert.Equal(t, DefaultSocketTimeout, opts.SocketTimeout)
	assert.Equal(t, time.Second, opts.ReconnectPolicy.BaseDelay)
	assert.Equal(t, 180*time.Second, opts.ReconnectPolicy.MaxDelay)
	assert.Equal(t, -1, opts.ReconnectPolicy.MaxRetries)
	assert.Equal(t, StartTransactionTimeout, opts.StartTxDelay)
}

func TestRejectedRegistrationBlocksOutgoingCalls(t *testing.T) {
	s := newBenchStation(t, testTemplate())
	s.mu.Lock()
	s.bootStatus = ocpp.RegistrationRejected
	s.mu.Unlock()

	_, err := s.Heartbeat(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registration rejected")

	_, err = s.StatusNotification(context.Background(), 1, ocpp.StatusAvailable, "NoError")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registration rejected")

	assert.Equal(t, 0, s.registry.Len(), "a blocked CALL never enters the registry")
	assert.Equal(t, 0, s.buffer.Len(), "a blocked CALL is not buffered")
}

func TestStartATG_RejectedRegistration(t *testing.T) {
	tmpl := testTemplate()
	tmpl.AutomaticTransactionGenerator = atgTestConfig()
	s := newBenchStation(t, tmpl)

	s.mu.Lock()
	s.bootStatus = ocpp.RegistrationRejected
	s.mu.Unlock()

	err := s.StartATG(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registration rejected")
	assert.False(t, s.atg.Running(0))
}

func TestStop_ClosesMeterSamplers(t *testing.T) {
	s := newBenchStation(t, testTemplate())

	s.mu.Lock()
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	stop := make(chan struct{})
	s.meterStop[1] = stop
	s.mu.Unlock()

	require.NoError(t, s.Stop(context.Background()))

	select {
	case <-stop:
	default:
		t.Fatal("meter sampler channel still open after Stop")
	}
	s.mu.Lock()
	assert.Empty(t, s.meterStop)
	s.mu.Unlock()
}
