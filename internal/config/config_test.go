package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		DatabaseURL: "postgres://localhost/archivesync",
		Tokens:      []string{"bot abc"},
		LogLevel:    "info",
		Stats:       StatsAuto,
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsMissingDatabaseURL(t *testing.T) {
	c := validConfig()
	c.DatabaseURL = ""
	require.Error(t, c.Validate())
}

func TestValidateRejectsNoTokens(t *testing.T) {
	c := validConfig()
	c.Tokens = nil
	require.Error(t, c.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "loud"
	require.Error(t, c.Validate())
}

func TestValidateRejectsUnknownStatsMode(t *testing.T) {
	c := validConfig()
	c.Stats = StatsMode("sometimes")
	require.Error(t, c.Validate())
}
