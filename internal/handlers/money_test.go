package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMoneyMinor(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"10.00", 1000},
		{"0.01", 1},
		{"7.5", 750},
		{"1234", 123400},
		{"-3.25", -325},
		{"", 0},
		{" 19.99 ", 1999},
		{"92233720368.54", 9223372036854},
	}
	for _, c := range cases {
		got, err := ParseMoneyMinor(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseMoneyMinorRejectsBadInput(t *testing.T) {
	for _, in := range []string{"10.001", "abc", "1.2.3", "10,00"} {
		_, err := ParseMoneyMinor(in)
		assert.Error(t, err, in)
	}
}

func TestRefundedAmountOnlyCountsSuccessfulRefunds(t *testing.T) {
	p := &refundPayload{}
	p.Transactions = []struct {
		Amount string `json:"amount"`
		Kind   string `json:"kind"`
		Status string `json:"status"`
	}{
		{Amount: "10.00", Kind: "refund", Status: "success"},
		{Amount: "5.00", Kind: "refund", Status: "failure"},
		{Amount: "2.50", Kind: "refund", Status: "success"},
		{Amount: "99.00", Kind: "sale", Status: "success"},
	}
	assert.Equal(t, int64(1250), p.refundedAmountMinor())
}

func TestAnonymizedEmailDeterministic(t *testing.T) {
	a := AnonymizedEmail("207119551")
	b := AnonymizedEmail("207119551")
	assert.Equal(t, a, b)
	assert.Regexp(t, `^redacted\+[0-9a-f]{12}@anonymized\.invalid$`, a)
	assert.NotEqual(t, a, AnonymizedEmail("207119552"))
}
