package imei

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate_BadFormat(t *testing.T) {
	assert.Equal(t, BadFormat, Validate("short", AllowList{}))
	assert.Equal(t, BadFormat, Validate("12345678901234a", AllowList{}))
	assert.Equal(t, BadFormat, Validate("1234567890123456", AllowList{}))
}

func TestValidate_LuhnAndAllowList(t *testing.T) {
	// 490154203237518 is a well-known Luhn-valid IMEI example.
	const valid = "490154203237518"
	require := assert.New(t)

	require.Equal(Ok, Validate(valid, AllowList{}))

	// Flip the last digit to break the Luhn checksum.
	bad := valid[:len(valid)-1] + "9"
	if bad == valid {
		bad = valid[:len(valid)-1] + "8"
	}
	require.Equal(BadLuhn, Validate(bad, AllowList{}))

	require.Equal(NotAllowed, Validate(valid, AllowList{Enabled: true, Set: map[string]struct{}{}}))
	require.Equal(Ok, Validate(valid, AllowList{Enabled: true, Set: map[string]struct{}{valid: {}}}))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "ok", Ok.String())
	assert.Equal(t, "bad_format", BadFormat.String())
	assert.Equal(t, "bad_luhn", BadLuhn.String())
	assert.Equal(t, "not_allowed", NotAllowed.String())
}
