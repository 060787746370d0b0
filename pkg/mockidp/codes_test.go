package mockidp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeServiceSingleUse(t *testing.T) {
	codes, err := newCodeService()
	require.NoError(t, err)

	sess := &session{state: "state"}
	code, err := codes.Issue(sess)
	require.NoError(t, err)
	assert.NotEmpty(t, code)

	redeemed, err := codes.Redeem(code)
	require.NoError(t, err)
	assert.Same(t, sess, redeemed)

	_, err = codes.Redeem(code)
	assert.ErrorIs(t, err, errUnknownCode)

	_, err = codes.Redeem("unknown")
	assert.ErrorIs(t, err, errUnknownCode)
}
