package scene

import (
	"testing"
	"time"

	"github.com/amoeba/gromnie/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestScene_FullHappyPathProgression(t *testing.T) {
	s := NewConnecting(time.Now())
	require.Equal(t, KindConnecting, s.Kind)
	require.True(t, s.CanSendHandshakePackets())
	require.False(t, s.CanSendGameActions())

	s = s.TransitionToCharacterSelect("acct", []protocol.Character{{ID: 1, Name: "Hero"}})
	require.Equal(t, KindCharacterSelect, s.Kind)
	require.True(t, s.CanSendGameActions())

	s = s.SubmitLoginCharacter(1, "Hero")
	require.NotNil(t, s.EnteringWorld)
	require.Equal(t, uint32(1), s.EnteringWorld.CharacterID)

	s = s.TransitionToInWorld(1, "Hero")
	require.Equal(t, KindInWorld, s.Kind)
	require.False(t, s.CanSendHandshakePackets())
	require.True(t, s.CanSendGameActions())
}

func TestScene_ConnectProgressPercentages(t *testing.T) {
	require.Equal(t, 0, ConnectInitial.Percent())
	require.Equal(t, 33, ConnectLoginRequestSent.Percent())
	require.Equal(t, 66, ConnectRequestReceived.Percent())
	require.Equal(t, 100, ConnectResponseSent.Percent())
}

func TestScene_TransitionToError(t *testing.T) {
	s := TransitionToError(ErrorLoginTimeout, true)
	require.Equal(t, KindError, s.Kind)
	require.True(t, s.CanRetry)
}
