package connection

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBucketWidth = 2 * time.Minute

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(testBucketWidth)
	require.NoError(t, err)
	return v
}

func TestTokenValidWithinWindow(t *testing.T) {
	v := newTestValidator(t)
	addr := netip.MustParseAddr("203.0.113.7")
	issued := time.Unix(1_700_000_000, 0)

	token := v.Issue(addr, issued)

	assert.True(t, v.Validate(token, addr, issued))
	assert.True(t, v.Validate(token, addr, issued.Add(testBucketWidth-time.Second)),
		"token must survive until the end of the issuance bucket")
	assert.True(t, v.Validate(token, addr, issued.Add(testBucketWidth)),
		"token must survive one bucket of grace")
}

func TestTokenExpiresAfterGraceBucket(t *testing.T) {
	v := newTestValidator(t)
	addr := netip.MustParseAddr("203.0.113.7")
	// Issue at a bucket start so the full two-bucket window is observable.
	issued := time.Unix(0, 0).Add(500 * testBucketWidth)

	token := v.Issue(addr, issued)

	assert.True(t, v.Validate(token, addr, issued.Add(2*testBucketWidth-time.Second)))
	assert.False(t, v.Validate(token, addr, issued.Add(2*testBucketWidth)),
		"token must die once two full buckets have passed")
	assert.False(t, v.Validate(token, addr, issued.Add(24*time.Hour)))
}

func TestTokenBoundToAddress(t *testing.T) {
	v := newTestValidator(t)
	now := time.Unix(1_700_000_000, 0)

	token := v.Issue(netip.MustParseAddr("203.0.113.7"), now)

	assert.False(t, v.Validate(token, netip.MustParseAddr("203.0.113.8"), now))
	assert.False(t, v.Validate(token^1, netip.MustParseAddr("203.0.113.7"), now))
}

func TestMappedAndUnmappedAddressesShareTokens(t *testing.T) {
	v := newTestValidator(t)
	now := time.Unix(1_700_000_000, 0)

	plain := netip.MustParseAddr("10.0.0.1")
	mapped := netip.MustParseAddr("::ffff:10.0.0.1")

	assert.Equal(t, v.Issue(plain, now), v.Issue(mapped, now),
		"a dual-stack socket must not split one client across two token spaces")
}

func TestSecretsDifferPerProcess(t *testing.T) {
	a := newTestValidator(t)
	b := newTestValidator(t)
	now := time.Unix(1_700_000_000, 0)
	addr := netip.MustParseAddr("203.0.113.7")

	assert.NotEqual(t, a.Issue(addr, now), b.Issue(addr, now))
}
