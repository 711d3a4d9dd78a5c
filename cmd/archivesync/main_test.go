package main

import (
	"errors"
	"testing"

	"archivesync/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseGuildFilterEmptyReturnsNil(t *testing.T) {
	filter, err := parseGuildFilter(nil)
	require.NoError(t, err)
	require.Nil(t, filter)
}

func TestParseGuildFilterParsesEachID(t *testing.T) {
	filter, err := parseGuildFilter([]string{"1", "2"})
	require.NoError(t, err)
	require.Equal(t, map[model.ServerID]struct{}{1: {}, 2: {}}, filter)
}

func TestParseGuildFilterRejectsNonNumeric(t *testing.T) {
	_, err := parseGuildFilter([]string{"not-a-number"})
	require.Error(t, err)
}

func TestExitCodeForUsageErrorIsOne(t *testing.T) {
	require.Equal(t, 1, exitCodeFor(usageError{errors.New("bad flag")}))
}

func TestExitCodeForOtherErrorIsTwo(t *testing.T) {
	require.Equal(t, 2, exitCodeFor(errors.New("db unreachable")))
}
