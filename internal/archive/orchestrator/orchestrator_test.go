package orchestrator

import (
	"testing"

	"archivesync/internal/errs"
	"archivesync/internal/gateway"
	"archivesync/internal/model"

	"github.com/stretchr/testify/require"
)

func TestAccountNameCyclesThroughLetters(t *testing.T) {
	require.Equal(t, "a", accountName(0))
	require.Equal(t, "c", accountName(2))
}

func newRuntime(name string, restOps, gatewayOps int) *accountRuntime {
	acc := model.NewAccount(name, "token")
	for i := 0; i < restOps; i++ {
		acc.IncRESTOps()
	}
	for i := 0; i < gatewayOps; i++ {
		acc.IncGatewayOps()
	}
	return &accountRuntime{account: acc}
}

func TestSelectByRESTPicksFewestInFlight(t *testing.T) {
	a := newRuntime("a", 3, 0)
	b := newRuntime("b", 1, 0)
	c := newRuntime("c", 2, 0)
	require.Same(t, b, selectByREST([]*accountRuntime{a, b, c}))
}

func TestSelectByRESTEmptyCandidatesReturnsNil(t *testing.T) {
	require.Nil(t, selectByREST(nil))
}

func TestSelectByGatewayTieBrokenByIterationOrder(t *testing.T) {
	a := newRuntime("a", 0, 1)
	b := newRuntime("b", 0, 1)
	require.Same(t, a, selectByGateway([]*accountRuntime{a, b}))
}

func TestMapsEqualDetectsAddedOverwrite(t *testing.T) {
	a := map[model.PrincipalID]model.Overwrite{
		1: {PrincipalID: 1, Allow: model.PermViewChannel},
	}
	b := map[model.PrincipalID]model.Overwrite{
		1: {PrincipalID: 1, Allow: model.PermViewChannel},
		2: {PrincipalID: 2, Deny: model.PermViewChannel},
	}
	require.False(t, mapsEqual(a, b))
	require.True(t, mapsEqual(a, a))
}

func TestMapsEqualDetectsChangedOverwriteValue(t *testing.T) {
	a := map[model.PrincipalID]model.Overwrite{1: {PrincipalID: 1, Allow: model.PermViewChannel}}
	b := map[model.PrincipalID]model.Overwrite{1: {PrincipalID: 1, Allow: model.PermManageThreads}}
	require.False(t, mapsEqual(a, b))
}

func TestIsTextLikeExcludesNonTextKinds(t *testing.T) {
	require.True(t, isTextLike(model.ChannelKindText))
	require.True(t, isTextLike(model.ChannelKindForum))
	require.False(t, isTextLike(model.ChannelKind(99)))
}

func TestEditedAtColumnNilMeansNeverEdited(t *testing.T) {
	require.Equal(t, int64(0), editedAtColumn(nil))
	ts := int64(12345)
	require.Equal(t, int64(12345), editedAtColumn(&ts))
}

func TestDecodeUnmarshalsDispatchPayload(t *testing.T) {
	d, err := decode[readyDispatch]([]byte(`{"user_id":7,"servers":[{"id":1,"unavailable":true}]}`))
	require.NoError(t, err)
	require.Equal(t, uint64(7), d.UserID)
	require.Len(t, d.Servers, 1)
	require.True(t, d.Servers[0].Unavailable)
}

func TestDecodeInvalidJSONReturnsError(t *testing.T) {
	_, err := decode[readyDispatch]([]byte(`not json`))
	require.Error(t, err)
}

func TestIsAbortMatchesAbortSentinel(t *testing.T) {
	require.True(t, isAbort(errs.ErrAbort))
	require.False(t, isAbort(nil))
}

func TestDecodeMemberRemoveDispatch(t *testing.T) {
	d, err := decode[memberRemoveDispatch]([]byte(`{"server_id":1,"user_id":2}`))
	require.NoError(t, err)
	require.Equal(t, uint64(1), d.ServerID)
	require.Equal(t, uint64(2), d.UserID)
}

func TestDecodeMessageDeleteDispatch(t *testing.T) {
	d, err := decode[messageDeleteDispatch]([]byte(`{"id":5,"channel_id":6}`))
	require.NoError(t, err)
	require.Equal(t, uint64(5), d.ID)
	require.Equal(t, uint64(6), d.ChannelID)
}

func TestNoDBEarlyReturnsDoNotPanic(t *testing.T) {
	o := &Orchestrator{}
	o.writeMembershipSet(&model.Server{ID: 1})
	o.handleMemberRemove(memberRemoveDispatch{ServerID: 1, UserID: 2})
	o.handleMessageDelete(messageDeleteDispatch{ID: 1})
}

func TestRemoveAccountDropsFromMapAndDestroysGateway(t *testing.T) {
	o := New(Options{Credentials: []string{"token-a"}})
	rt := o.accounts["a"]
	require.NotNil(t, rt)

	o.removeAccount("a")

	_, exists := o.accounts["a"]
	require.False(t, exists)
	require.Equal(t, gateway.StateDestroyed, rt.gw.State())
}

func TestRemoveAccountUnknownNameIsNoOp(t *testing.T) {
	o := New(Options{Credentials: []string{"token-a"}})
	o.removeAccount("nonexistent")
	require.Len(t, o.accounts, 1)
}

func TestRequestAccountRemovalSendsOnChannel(t *testing.T) {
	o := New(Options{Credentials: []string{"token-a"}})
	o.requestAccountRemoval("a")
	require.Equal(t, "a", <-o.removeAccountCh)
}
