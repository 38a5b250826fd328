package payments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignKnownVector(t *testing.T) {
	got := Sign("mp-secret", "123456", "req-1", "1704908010")
	assert.Equal(t, "e0dc3cfd2941033ceb6507f72233f299524afb01b1fb9b3429a0c7ca36905f5f", got)
	assert.Equal(t, "id:123456;request-id:req-1;ts:1704908010;", Manifest("123456", "req-1", "1704908010"))
}

func TestVerifySignature(t *testing.T) {
	valid := "ts=1704908010,v1=" + Sign("mp-secret", "123456", "req-1", "1704908010")

	require.NoError(t, VerifySignature("mp-secret", valid, "req-1", "123456"))
	require.NoError(t, VerifySignature("", "garbage", "", ""), "no secret disables verification")

	cases := map[string]struct {
		header, requestID, resourceID string
	}{
		"wrong resource":     {valid, "req-1", "999"},
		"wrong request id":   {valid, "req-2", "123456"},
		"missing request id": {valid, "", "123456"},
		"missing v1":         {"ts=1704908010", "req-1", "123456"},
		"empty header":       {"", "req-1", "123456"},
		"tampered ts":        {"ts=1704908011,v1=" + Sign("mp-secret", "123456", "req-1", "1704908010"), "req-1", "123456"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := VerifySignature("mp-secret", tc.header, tc.requestID, tc.resourceID)
			assert.ErrorIs(t, err, ErrSignatureInvalid)
		})
	}
}

func TestParseSignatureHeaderToleratesSpaces(t *testing.T) {
	ts, v1, err := ParseSignatureHeader(" ts=1, v1=abc ")
	require.NoError(t, err)
	assert.Equal(t, "1", ts)
	assert.Equal(t, "abc", v1)
}
