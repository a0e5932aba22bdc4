package sed

import (
	"testing"

	"github.com/netsed/netsed-go/internal/rule"
	"github.com/stretchr/testify/require"
)

func mustRules(t *testing.T, specs ...string) rule.RuleSet {
	t.Helper()
	rs, err := rule.ParseAll(specs)
	require.NoError(t, err)
	return rs
}

func TestApply_PlainSubstitutionUnlimited(t *testing.T) {
	rs := mustRules(t, "s/andrew/mike")
	ttl := rs.TTLVector()

	out, changes, err := Apply(rs, ttl, []byte("hello andrew and andrew"), nil)
	require.NoError(t, err)
	require.Equal(t, "hello mike and mike", string(out))
	require.Equal(t, 2, changes)
	require.Equal(t, rule.Unlimited, ttl[0])
}

func TestApply_LimitedRuleExpires(t *testing.T) {
	rs := mustRules(t, "s/x/Y/1")
	ttl := rs.TTLVector()

	out1, changes1, err := Apply(rs, ttl, []byte("axa"), nil)
	require.NoError(t, err)
	require.Equal(t, "aYa", string(out1))
	require.Equal(t, 1, changes1)
	require.Equal(t, 0, ttl[0])

	out2, changes2, err := Apply(rs, ttl, []byte("axa"), nil)
	require.NoError(t, err)
	require.Equal(t, "axa", string(out2))
	require.Equal(t, 0, changes2)
}

func TestApply_HexEscape(t *testing.T) {
	rs := mustRules(t, "s/A/%00%0a")
	ttl := rs.TTLVector()

	out, changes, err := Apply(rs, ttl, []byte("A"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x0a}, out)
	require.Equal(t, 1, changes)
}

func TestApply_FirstMatchWins(t *testing.T) {
	rs := mustRules(t, "s/ab/1", "s/abc/2")
	ttl := rs.TTLVector()

	out, changes, err := Apply(rs, ttl, []byte("abc"), nil)
	require.NoError(t, err)
	require.Equal(t, "1c", string(out))
	require.Equal(t, 1, changes)
}

func TestApply_NoCrossBoundaryMatch(t *testing.T) {
	rs := mustRules(t, "s/hello/HI")

	ttl := rs.TTLVector()
	out1, c1, err := Apply(rs, ttl, []byte("hel"), nil)
	require.NoError(t, err)
	require.Equal(t, "hel", string(out1))
	require.Zero(t, c1)

	out2, c2, err := Apply(rs, ttl, []byte("lo"), nil)
	require.NoError(t, err)
	require.Equal(t, "lo", string(out2))
	require.Zero(t, c2)
}

func TestApply_EmptyRuleSetIsPassthrough(t *testing.T) {
	var rs rule.RuleSet
	ttl := rs.TTLVector()

	out, changes, err := Apply(rs, ttl, []byte("unchanged payload"), nil)
	require.NoError(t, err)
	require.Equal(t, "unchanged payload", string(out))
	require.Zero(t, changes)
}

func TestApply_IdentityRuleStillConsumesTTL(t *testing.T) {
	rs := mustRules(t, "s/x/x/2")
	ttl := rs.TTLVector()

	out, changes, err := Apply(rs, ttl, []byte("xx"), nil)
	require.NoError(t, err)
	require.Equal(t, "xx", string(out))
	require.Equal(t, 2, changes)
	require.Equal(t, 0, ttl[0])
}

func TestApply_ExpiredTTLRuleIsInert(t *testing.T) {
	rs := mustRules(t, "s/x/Y/1")
	ttl := []int{0}

	out, changes, err := Apply(rs, ttl, []byte("xxx"), nil)
	require.NoError(t, err)
	require.Equal(t, "xxx", string(out))
	require.Zero(t, changes)
}

func TestApply_BufferOverflow(t *testing.T) {
	rs := mustRules(t, "s/a/"+string(make([]byte, MaxOut+1)))
	ttl := rs.TTLVector()

	_, _, err := Apply(rs, ttl, []byte("a"), nil)
	require.ErrorIs(t, err, ErrBufferOverflow)
}
