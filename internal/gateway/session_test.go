package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemorySessionStoreRoundTrip(t *testing.T) {
	s := NewMemorySessionStore()
	_, ok := s.Load("acct-1")
	require.False(t, ok)

	seq := int64(7)
	s.Save("acct-1", SessionData{SessionID: "sess", ResumeGatewayURL: "ws://resume", Seq: &seq})

	got, ok := s.Load("acct-1")
	require.True(t, ok)
	require.Equal(t, "sess", got.SessionID)
	require.Equal(t, int64(7), *got.Seq)

	s.Clear("acct-1")
	_, ok = s.Load("acct-1")
	require.False(t, ok)
}
