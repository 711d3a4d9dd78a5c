package cache

import (
	"testing"

	"archivesync/internal/model"
	"github.com/stretchr/testify/require"
)

func TestUpsertServerReusesExisting(t *testing.T) {
	c := New()
	c.UpsertServer(1, func(s *model.Server) { s.Name = "first" })
	s := c.UpsertServer(1, func(s *model.Server) { s.OwnerID = 42 })
	require.Equal(t, "first", s.Name)
	require.Equal(t, model.UserID(42), s.OwnerID)
}

func TestAccountAccessInvariant(t *testing.T) {
	c := New()
	c.UpsertServer(1, nil)
	ch := c.UpsertChannel(1, 10, nil)

	c.SetAccountAccess(ch, "acct-a", true, false)
	require.ElementsMatch(t, []string{"acct-a"}, c.AccountsWithRead(ch))
	require.Empty(t, c.AccountsWithManageThreads(ch))

	c.SetAccountAccess(ch, "acct-a", false, false)
	require.Empty(t, c.AccountsWithRead(ch))
}

func TestChannelByIDScansAllServers(t *testing.T) {
	c := New()
	c.UpsertServer(1, nil)
	c.UpsertServer(2, nil)
	c.UpsertChannel(2, 99, nil)

	ch, srv, ok := c.ChannelByID(99)
	require.True(t, ok)
	require.Equal(t, model.ChannelID(99), ch.ID)
	require.Equal(t, model.ServerID(2), srv.ID)
}
