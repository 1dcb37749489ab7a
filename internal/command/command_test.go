package command_test

import (
	"testing"

	"SafetyLedger/internal/command"
	"SafetyLedger/internal/state"
	"SafetyLedger/internal/testutil"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeNames(t *testing.T) {
	for _, typ := range []command.Type{command.TypeDeposit, command.TypeRedeem, command.TypeSlash, command.TypeFinalizeConfigs} {
		parsed, ok := command.ParseType(typ.String())
		require.True(t, ok, typ.String())
		assert.Equal(t, typ, parsed)
	}
	_, ok := command.ParseType("Liquidate")
	assert.False(t, ok)
	assert.Equal(t, "Unknown", command.Type(99).String())
}

func TestUnmarshalRedeem_DefaultsOwnerToCaller(t *testing.T) {
	data := []byte(`{"idempotency_key":"r-1","source":"api","source_sequence":3,"timestamp":1700000000,
		"caller":"alice","reserve_pool_id":1,"receipt_token_amount":"1000000000000000000000","receiver":"bob"}`)

	cmd, err := command.Unmarshal(command.TypeRedeem, data)
	require.NoError(t, err)

	r, ok := cmd.(*command.Redeem)
	require.True(t, ok)
	assert.Equal(t, "r-1", r.IdempotencyKey())
	assert.Equal(t, "api", r.Source())
	assert.Equal(t, int64(3), r.SourceSequence())
	assert.Equal(t, uint64(1700000000), r.Time())
	assert.Equal(t, "alice", string(r.Owner))
	assert.Equal(t, "1000000000000000000000", r.ReceiptTokenAmount.Dec())
	require.NotNil(t, r.ReservePool())
	assert.Equal(t, uint16(1), *r.ReservePool())
}

func TestUnmarshal_Rejects(t *testing.T) {
	tests := []struct {
		name string
		typ  command.Type
		data string
	}{
		{"missing key", command.TypePause, `{"caller":"owner"}`},
		{"empty amount", command.TypeDeposit, `{"idempotency_key":"d","from":"a","receiver":"a"}`},
		{"negative amount", command.TypeDeposit, `{"idempotency_key":"d","amount":"-5"}`},
		{"bad slash amount", command.TypeSlash, `{"idempotency_key":"s","slashes":[{"reserve_pool_id":0,"amount":"x"}]}`},
		{"bad json", command.TypeTrigger, `{`},
		{"unknown type", command.TypeUnknown, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := command.Unmarshal(tt.typ, []byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestSlashRoundTrip(t *testing.T) {
	in := &command.Slash{
		Header: command.Header{Key: "s-1", Producer: "handler", Sequence: 0, Timestamp: 42},
		Caller: "handler",
		Instructions: []state.SlashInstruction{
			{PoolID: 0, Amount: uint256.NewInt(30_000_000)},
			{PoolID: 2, Amount: uint256.MustFromDecimal("115792089237316195423570985008687907853269984665640564039457584007913129639935")},
		},
		Receiver: "treasury",
	}
	data, err := command.Marshal(in)
	require.NoError(t, err)

	out, err := command.Unmarshal(command.TypeSlash, data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestConfigUpdateEncodingKeepsHash(t *testing.T) {
	u := state.ConfigUpdate{
		ReservePools: []state.ReservePoolConfig{{Asset: "USDC", MaxSlashPercentage: uint256.NewInt(5000)}},
		Triggers:     []state.TriggerConfig{{Trigger: "oracle-1", PayoutHandler: "handler", Exists: true}},
		Delays:       state.Delays{ConfigUpdateDelay: 86400, ConfigUpdateGracePeriod: 3600, WithdrawDelay: 3600},
	}
	data, err := command.MarshalConfigUpdate(u)
	require.NoError(t, err)

	back, err := command.UnmarshalConfigUpdate(data)
	require.NoError(t, err)
	assert.Equal(t, u.Hash(), back.Hash())
}

// The wire form is the logged payload; replay decodes old entries with it.
func TestMarshal_WireFormat(t *testing.T) {
	dep, err := command.Marshal(&command.Deposit{
		Header:   command.Header{Key: "dep-1", Producer: "api", Sequence: 3, Timestamp: 1_700_000_000},
		From:     "alice",
		PoolID:   2,
		Amount:   uint256.NewInt(1000),
		Receiver: "bob",
	})
	require.NoError(t, err)
	testutil.AssertGolden(t, "deposit.golden.json", dep)

	slash, err := command.Marshal(&command.Slash{
		Header: command.Header{Key: "slash-1", Timestamp: 1_700_000_100},
		Caller: "handler",
		Instructions: []state.SlashInstruction{
			{PoolID: 0, Amount: uint256.NewInt(5)},
			{PoolID: 1, Amount: uint256.NewInt(7)},
		},
		Receiver: "treasury",
	})
	require.NoError(t, err)
	testutil.AssertGolden(t, "slash.golden.json", slash)
}
