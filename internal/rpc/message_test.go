package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestMarshal_Envelope(t *testing.T) {
	req := Request{
		ID:        7,
		Method:    MethodGetLedger,
		Params:    LedgerParams{Participant: "0xabc"},
		Timestamp: 1700000000000,
		Sig:       []string{"0xsig"},
	}
	raw, err := req.Marshal()
	require.NoError(t, err)
	require.JSONEq(t,
		`{"req":[7,"get_ledger_balances",{"participant":"0xabc"},1700000000000],"sig":["0xsig"]}`,
		string(raw))

	back, params, err := ParseRequest(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(7), back.ID)
	require.Equal(t, MethodGetLedger, back.Method)
	require.Equal(t, int64(1700000000000), back.Timestamp)
	require.JSONEq(t, `{"participant":"0xabc"}`, string(params))
}

func TestRequestPayload_NilParamsIsObject(t *testing.T) {
	payload, err := Request{ID: 1, Method: MethodPing, Timestamp: 5}.Payload()
	require.NoError(t, err)
	require.Equal(t, `[1,"ping",{},5]`, string(payload))
}

func TestParse_Response(t *testing.T) {
	raw := []byte(`{"res":[3,"auth_challenge",{"challenge_message":"abc"},42],"sig":[]}`)
	resp, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(3), resp.ID)
	require.Equal(t, MethodAuthChallenge, resp.Method)
	require.False(t, resp.Unsolicited())

	var ch AuthChallengeResult
	require.NoError(t, resp.Decode(&ch))
	require.Equal(t, "abc", ch.ChallengeMessage)
}

func TestParse_PushWithNullID(t *testing.T) {
	raw := []byte(`{"res":[null,"bu",{"ledger_balances":[{"asset":"usdc","amount":"10"}]},1]}`)
	resp, err := Parse(raw)
	require.NoError(t, err)
	require.True(t, resp.Unsolicited())
	require.Equal(t, MethodBalanceUpdate, resp.Method)
}

func TestParse_ErrorMessage(t *testing.T) {
	raw, err := EncodeResponse(9, MethodError, ErrorResult{Error: "insufficient funds"}, 1)
	require.NoError(t, err)
	resp, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "insufficient funds", resp.ErrorMessage())

	bare := []byte(`{"res":[9,"error","boom",1]}`)
	resp, err = Parse(bare)
	require.NoError(t, err)
	require.Equal(t, "boom", resp.ErrorMessage())
}

func TestParse_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `{{`,
		"no envelope":  `{"foo":1}`,
		"short array":  `{"res":[1,"x"]}`,
		"bad id":       `{"res":["x","y",{}]}`,
		"not an array": `{"res":{"a":1}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncodeResponse_RoundTrip(t *testing.T) {
	raw, err := EncodeResponse(11, MethodTransfer, TransferResult{
		Transactions: []LedgerTransaction{{ID: 1, Asset: "usdc", Amount: "5000000"}},
	}, 99)
	require.NoError(t, err)

	resp, err := Parse(raw)
	require.NoError(t, err)
	var tr TransferResult
	require.NoError(t, resp.Decode(&tr))
	require.Len(t, tr.Transactions, 1)
	require.Equal(t, "5000000", tr.Transactions[0].Amount)

	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &generic))
	require.Contains(t, generic, "res")
}
