package domain

import (
	"encoding/json"
	"fmt"

	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

// StringList accepts either a JSON string or a JSON array of strings, for
// fields like supervisionUrls whose legacy form was singular.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("domain: value is neither a string nor a string list")
	}
	*l = StringList(many)
	return nil
}

// ConnectorTemplate configures one connector of a templated station.
type ConnectorTemplate struct {
	BootStatus          ocpp.ChargePointStatus `json:"bootStatus,omitempty"`
	MaximumPower        float64                `json:"maximumPower,omitempty"` // W, defaults to station max
	SupportedMeasurands []string               `json:"supportedMeasurands,omitempty"`
}

// EvseTemplate groups connectors for the OCPP 2.0 hooks.
type EvseTemplate struct {
	Connectors map[string]ConnectorTemplate `json:"Connectors"`
}

// TemplateConfiguration carries the OCPP configuration key seed.
type TemplateConfiguration struct {
	ConfigurationKey []ocpp.KeyValue `json:"configurationKey"`
}

// ATGConfig configures the Automatic Transaction Generator. Durations and
// delays are whole seconds.
type ATGConfig struct {
	Enable                         bool    `json:"enable"`
	MinDuration                    int     `json:"minDuration"`
	MaxDuration                    int     `json:"maxDuration"`
	MinDelayBetweenTwoTransactions int     `json:"minDelayBetweenTwoTransactions"`
	MaxDelayBetweenTwoTransactions int     `json:"maxDelayBetweenTwoTransactions"`
	ProbabilityOfStart             float64 `json:"probabilityOfStart"`
	StopAfterHours                 float64 `json:"stopAfterHours"`
	StopOnConnectionFailure        bool    `json:"stopOnConnectionFailure"`
	RequireAuthorize               bool    `json:"requireAuthorize"`
	IDTagDistribution              string  `json:"idTagDistribution,omitempty"`
}

// Validate rejects configurations the session loop cannot run with.
func (c *ATGConfig) Validate() error {
	if c.MaxDuration < c.MinDuration {
		return fmt.Errorf("domain: ATG maxDuration %d is below minDuration %d", c.MaxDuration, c.MinDuration)
	}
	if c.MaxDelayBetweenTwoTransactions < c.MinDelayBetweenTwoTransactions {
		return fmt.Errorf("domain: ATG maxDelayBetweenTwoTransactions %d is below minDelayBetweenTwoTransactions %d",
			c.MaxDelayBetweenTwoTransactions, c.MinDelayBetweenTwoTransactions)
	}
	if c.ProbabilityOfStart < 0 || c.ProbabilityOfStart > 1 {
		return fmt.Errorf("domain: ATG probabilityOfStart %.2f is outside [0,1]", c.ProbabilityOfStart)
	}
	if c.StopAfterHours <= 0 {
		return fmt.Errorf("domain: ATG stopAfterHours must be positive")
	}
	return nil
}

// StationTemplate is the file-driven description a station instance is
// derived from.
type StationTemplate struct {
	// TemplateName is the file stem, set by the loader.
	TemplateName string `json:"-"`

	BaseName  string `json:"baseName"`
	FixedName string `json:"fixedName,omitempty"`

	ChargePointModel        string `json:"chargePointModel"`
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointSerialNumber string `json:"chargePointSerialNumberPrefix,omitempty"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumberPrefix,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
	MeterSerialNumber       string `json:"meterSerialNumberPrefix,omitempty"`
	MeterType               string `json:"meterType,omitempty"`

	OCPPVersion     string     `json:"ocppVersion,omitempty"`
	SupervisionURLs StringList `json:"supervisionUrls,omitempty"`
	// Deprecated: singular form, accepted with a warning, never emitted.
	SupervisionURL  string    `json:"supervisionUrl,omitempty"`
	SupervisionAuth BasicAuth `json:"supervisionAuth,omitempty"`

	CurrentOutType         CurrentType  `json:"currentOutType,omitempty"`
	VoltageOut             int          `json:"voltageOut,omitempty"`
	NumberOfPhases         int          `json:"numberOfPhases,omitempty"`
	MaximumPower           float64      `json:"maximumPower"` // W
	AmperageLimitation     int          `json:"amperageLimitation,omitempty"`
	AmperageLimitationUnit AmperageUnit `json:"amperageLimitationUnit,omitempty"`

	OCPPStrictCompliance      bool `json:"ocppStrictCompliance,omitempty"`
	BeginEndMeterValues       bool `json:"beginEndMeterValues,omitempty"`
	MeteringPerTransaction    bool `json:"meteringPerTransaction,omitempty"`
	AutoRegister              bool `json:"autoRegister,omitempty"`
	RemoteAuthorization       bool `json:"remoteAuthorization,omitempty"`
	StopTransactionsOnStopped bool `json:"stopTransactionsOnStopped,omitempty"`
	EnableStatistics          bool `json:"enableStatistics,omitempty"`

	NumberOfConnectors int                          `json:"numberOfConnectors,omitempty"`
	Connectors         map[string]ConnectorTemplate `json:"Connectors,omitempty"`
	Evses              map[string]EvseTemplate      `json:"Evses,omitempty"`

	Configuration *TemplateConfiguration `json:"Configuration,omitempty"`

	AutomaticTransactionGenerator *ATGConfig `json:"AutomaticTransactionGenerator,omitempty"`

	IDTagsFile string `json:"idTagsFile,omitempty"`
	// Deprecated: accepted with a warning, never emitted.
	AuthorizationFile string `json:"authorizationFile,omitempty"`
}

// Validate checks template consistency at load time.
func (t *StationTemplate) Validate() error {
	if t.BaseName == "" && t.FixedName == "" {
		return fmt.Errorf("domain: template needs a baseName or a fixedName")
	}
	if t.ChargePointModel == "" || t.ChargePointVendor == "" {
		return fmt.Errorf("domain: template %q needs chargePointModel and chargePointVendor", t.BaseName)
	}
	if t.MaximumPower <= 0 {
		return fmt.Errorf("domain: template %q needs a positive maximumPower", t.BaseName)
	}
	if t.AutomaticTransactionGenerator != nil {
		if err := t.AutomaticTransactionGenerator.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ConnectorCount resolves how many physical connectors an instance gets:
// explicit Connectors win (id 0 excluded), then numberOfConnectors, then 1.
func (t *StationTemplate) ConnectorCount() int {
	if len(t.Connectors) > 0 {
		n := 0
		for id := range t.Connectors {
			if id != "0" {
				n++
			}
		}
		if n > 0 {
			return n
		}
	}
	if t.NumberOfConnectors > 0 {
		return t.NumberOfConnectors
	}
	return 1
}
