package config

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	cfg := &Config{}
	cfg.Supervision.URLs = []string{"ws://csms/ocpp"}
	cfg.Supervision.Distribution = "round-robin"
	cfg.Templates = []TemplateConfig{{File: "sim-basic.json", NumberOfStations: 1}}
	cfg.Broadcast.Backend = "local"
	return cfg
}

func TestValidate_Baseline(t *testing.T) {
	require.NoError(t, validate(validTestConfig()))

	missing := validTestConfig()
	missing.Supervision.URLs = nil
	assert.Error(t, validate(missing), "at least one supervision URL required")

	distribution := validTestConfig()
	distribution.Supervision.Distribution = "sticky"
	assert.Error(t, validate(distribution))
}

func TestValidate_UIServerType(t *testing.T) {
	for _, typ := range []string{"", UIServerTypeWS, UIServerTypeHTTP, UIServerTypeAll} {
		cfg := validTestConfig()
		cfg.UIServer.Type = typ
		assert.NoError(t, validate(cfg), fmt.Sprintf("type %q", typ))
	}

	cfg := validTestConfig()
	cfg.UIServer.Type = "grpc"
	assert.Error(t, validate(cfg))
}

func TestValidate_UIServerAuthType(t *testing.T) {
	for _, typ := range []string{"", AuthTypeBasic, AuthTypeProtocolBasic} {
		cfg := validTestConfig()
		cfg.UIServer.Auth.Type = typ
		assert.NoError(t, validate(cfg), fmt.Sprintf("auth type %q", typ))
	}

	cfg := validTestConfig()
	cfg.UIServer.Auth.Type = "digest"
	assert.Error(t, validate(cfg))
}
