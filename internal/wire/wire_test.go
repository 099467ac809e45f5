package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, []byte("world")))

	r := bufio.NewReader(&buf)
	first, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, "hello", string(first))

	second, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, "world", string(second))
}

func TestClientRequestJSONShapes(t *testing.T) {
	cases := []struct {
		req  ClientRequest
		want string
	}{
		{ClientRequest{Op: "Get", Key: "k"}, `{"Get":"k"}`},
		{ClientRequest{Op: "Set", Key: "k", Value: "v"}, `{"Set":["k","v"]}`},
		{ClientRequest{Op: "Delete", Key: "k"}, `{"Delete":"k"}`},
	}
	for _, tc := range cases {
		data, err := json.Marshal(tc.req)
		require.NoError(t, err)
		require.JSONEq(t, tc.want, string(data))

		var decoded ClientRequest
		require.NoError(t, json.Unmarshal(data, &decoded))
		require.Equal(t, tc.req, decoded)
	}
}

func TestClientResponseJSONShapes(t *testing.T) {
	val := "v"
	cases := []ClientResponse{
		ValueResponse(&val),
		ValueResponse(nil),
		SuccessResponse(true),
		SuccessResponse(false),
		ErrorResponse("boom"),
		RedirectResponse("127.0.0.1:6571"),
	}
	for _, tc := range cases {
		data, err := json.Marshal(tc)
		require.NoError(t, err)

		var decoded ClientResponse
		require.NoError(t, json.Unmarshal(data, &decoded))
		require.Equal(t, tc.Kind, decoded.Kind)
		switch tc.Kind {
		case "Value":
			if tc.Value == nil {
				require.Nil(t, decoded.Value)
			} else {
				require.Equal(t, *tc.Value, *decoded.Value)
			}
		case "Success":
			require.Equal(t, tc.Success, decoded.Success)
		case "Error":
			require.Equal(t, tc.Message, decoded.Message)
		case "Redirect":
			require.Equal(t, tc.Redirect, decoded.Redirect)
		}
	}
}

func TestEnvelopeWrapAndUnmarshalBody(t *testing.T) {
	args := RequestVoteArgs{Term: 3, CandidateID: 2, LastLogIndex: 5, LastLogTerm: 2}
	env, err := Wrap(KindRequestVote, args)
	require.NoError(t, err)
	require.Equal(t, KindRequestVote, env.Kind)

	var decoded RequestVoteArgs
	require.NoError(t, UnmarshalBody(env, &decoded))
	require.Equal(t, args, decoded)
}
