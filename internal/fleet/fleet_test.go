package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/domain"
	"github.com/seu-repo/sigec-sim/pkg/config"
)

func newTestFleet(t *testing.T, cfg *config.Config) *Fleet {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	f, err := New(cfg, nil, nil, zap.NewNop())
	require.NoError(t, err)
	return f
}

func baseTemplate() *domain.StationTemplate {
	return &domain.StationTemplate{
		TemplateName:      "sim-basic",
		BaseName:          "sim-basic",
		ChargePointModel:  "Simulator",
		ChargePointVendor: "sigec",
		MaximumPower:      22000,
	}
}

func TestDeriveInfo_SequentialNaming(t *testing.T) {
	f := newTestFleet(t, nil)
	tmpl := baseTemplate()
	tmpl.ChargePointSerialNumber = "CPSN-"
	tmpl.MeterSerialNumber = "MSN-"

	info, err := f.deriveInfo(tmpl, 3)

	require.NoError(t, err)
	assert.Equal(t, "sim-basic-0003", info.StationID)
	assert.Equal(t, "CPSN-0003", info.ChargePointSerialNumber)
	assert.Equal(t, "MSN-0003", info.MeterSerialNumber)
	assert.Equal(t, "1.6", info.OCPPVersion, "version defaults when the template is silent")
	assert.NotEmpty(t, info.HashID)
}

func TestDeriveInfo_FixedNameWins(t *testing.T) {
	f := newTestFleet(t, nil)
	tmpl := baseTemplate()
	tmpl.FixedName = "CS-LAB"

	info, err := f.deriveInfo(tmpl, 1)

	require.NoError(t, err)
	assert.Equal(t, "CS-LAB", info.StationID)
}

func TestDeriveInfo_DistinctStationsGetDistinctHashIDs(t *testing.T) {
	f := newTestFleet(t, nil)
	tmpl := baseTemplate()

	first, err := f.deriveInfo(tmpl, 1)
	require.NoError(t, err)
	second, err := f.deriveInfo(tmpl, 2)
	require.NoError(t, err)

	assert.NotEqual(t, first.HashID, second.HashID)
}

func TestDeriveInfo_SupervisionAuthFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Supervision.Auth = config.SupervisionAuth{
		Enabled:  true,
		Username: "cs",
		Password: "pw",
	}
	f := newTestFleet(t, cfg)

	info, err := f.deriveInfo(baseTemplate(), 1)

	require.NoError(t, err)
	assert.True(t, info.SupervisionAuth.Enabled)
	assert.Equal(t, "cs", info.SupervisionAuth.Username)
	assert.Equal(t, "pw", info.SupervisionAuth.Password)
}

func TestNextSupervisionURL_RoundRobin(t *testing.T) {
	cfg := &config.Config{}
	cfg.Supervision.URLs = []string{"ws://a/ocpp", "ws://b/ocpp"}
	f := newTestFleet(t, cfg)
	tmpl := baseTemplate()

	assert.Equal(t, "ws://a/ocpp", f.nextSupervisionURL(tmpl, 1))
	assert.Equal(t, "ws://b/ocpp", f.nextSupervisionURL(tmpl, 2))
	assert.Equal(t, "ws://a/ocpp", f.nextSupervisionURL(tmpl, 3))
}

func TestNextSupervisionURL_Affinity(t *testing.T) {
	cfg := &config.Config{}
	cfg.Supervision.URLs = []string{"ws://a/ocpp", "ws://b/ocpp"}
	cfg.Supervision.Distribution = "charging-station-affinity"
	f := newTestFleet(t, cfg)
	tmpl := baseTemplate()

	// Affinity is deterministic on the station index.
	assert.Equal(t, "ws://b/ocpp", f.nextSupervisionURL(tmpl, 1))
	assert.Equal(t, "ws://b/ocpp", f.nextSupervisionURL(tmpl, 1))
	assert.Equal(t, "ws://a/ocpp", f.nextSupervisionURL(tmpl, 2))
}

func TestNextSupervisionURL_TemplateURLsWin(t *testing.T) {
	cfg := &config.Config{}
	cfg.Supervision.URLs = []string{"ws://global/ocpp"}
	f := newTestFleet(t, cfg)
	tmpl := baseTemplate()
	tmpl.SupervisionURLs = domain.StringList{"ws://template/ocpp"}

	assert.Equal(t, "ws://template/ocpp", f.nextSupervisionURL(tmpl, 1))
}

func TestFleet_StateTransitions(t *testing.T) {
	f := newTestFleet(t, nil)
	assert.Equal(t, StateStopped, f.State())
}
