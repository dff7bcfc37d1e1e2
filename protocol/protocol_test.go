package protocol

import (
	"testing"

	"gridsync/game"
	"gridsync/session"
	"gridsync/transport"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodesSurviveTheWire(t *testing.T) {
	cases := []struct {
		err  error
		code Code
	}{
		{errors.Wrap(session.ErrSessionNotFound, "abc"), CodeNotFound},
		{errors.Wrap(session.ErrSessionFull, "abc"), CodeSessionFull},
		{errors.Wrap(game.ErrInvalidArgument, "cell (10,10)"), CodeInvalidArgument},
		{errors.Wrap(game.ErrConflict, "cell (0,0)"), CodeConflict},
		{errors.Wrap(session.ErrNicknameTaken, "bob"), CodeNicknameTaken},
		{transport.ErrUnavailable, CodeTransportUnavailable},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			b, err := EncodeResponse(Fail("req-1", tc.err))
			require.NoError(t, err)
			rsp, err := DecodeResponse(b)
			require.NoError(t, err)
			assert.Equal(t, tc.code, rsp.Code)

			remote := rsp.Err()
			require.Error(t, remote)
			assert.Equal(t, tc.err.Error(), remote.Error())
			assert.Equal(t, tc.code, CodeOf(remote))
		})
	}
}

func TestClientSideSentinels(t *testing.T) {
	err := Fail("x", errors.Wrap(session.ErrSessionFull, "s1")).Err()
	assert.True(t, errors.Is(err, session.ErrSessionFull))
	err = Fail("x", errors.Wrap(game.ErrConflict, "c")).Err()
	assert.True(t, errors.Is(err, game.ErrConflict))
	assert.NoError(t, OK("x").Err())
}

func TestDecodeRequest(t *testing.T) {
	req := NewRequest("client-1", CmdUpdateGame, "1", "2", "x")
	require.NotEmpty(t, req.ID)
	b, err := EncodeRequest(req)
	require.NoError(t, err)

	got, err := DecodeRequest(b)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	n, err := got.IntArg(1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = got.IntArg(2)
	assert.True(t, errors.Is(err, session.ErrInvalidArgument))
	_, err = got.Arg(5)
	assert.True(t, errors.Is(err, session.ErrInvalidArgument))

	_, err = DecodeRequest([]byte(`{"v":99,"cmd":"connect"}`))
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
	_, err = DecodeRequest([]byte(`nope`))
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestAckPayload(t *testing.T) {
	rsp, err := Ack("id", ListResult{Sessions: []session.Summary{{ID: "a", Name: "n", MaxPlayers: 2}}})
	require.NoError(t, err)
	assert.Equal(t, StatusAck, rsp.Status)

	var lr ListResult
	require.NoError(t, rsp.Decode(&lr))
	require.Len(t, lr.Sessions, 1)
	assert.Equal(t, "n", lr.Sessions[0].Name)

	assert.Error(t, OK("id").Decode(&lr))
}
