package rule

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_Plain(t *testing.T) {
	r, err := Parse("s/andrew/mike")
	require.NoError(t, err)
	require.Equal(t, []byte("andrew"), r.From)
	require.Equal(t, []byte("mike"), r.To)
	require.Equal(t, Unlimited, r.InitialTTL)
}

func TestParse_WithCount(t *testing.T) {
	r, err := Parse("s/andrew/mike/1")
	require.NoError(t, err)
	require.Equal(t, 1, r.InitialTTL)
}

func TestParse_TrailingSlashEmptyCountIsUnlimited(t *testing.T) {
	r, err := Parse("s/andrew/mike/")
	require.NoError(t, err)
	require.Equal(t, Unlimited, r.InitialTTL)
}

func TestParse_ZeroCountCollapsesToUnlimited(t *testing.T) {
	// Preserves netsed.c's atoi("0") == 0 == "no count given" quirk,
	// spec.md §9's first Open Question.
	r, err := Parse("s/andrew/mike/0")
	require.NoError(t, err)
	require.Equal(t, Unlimited, r.InitialTTL)
}

func TestParse_NegativeCountIsUnlimited(t *testing.T) {
	r, err := Parse("s/andrew/mike/-5")
	require.NoError(t, err)
	require.Equal(t, Unlimited, r.InitialTTL)
}

func TestParse_HexEscapes(t *testing.T) {
	r, err := Parse("s/A/%00%0a")
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x0a}, r.To)
}

func TestParse_PercentEscape(t *testing.T) {
	r, err := Parse("s/%%/%2f/20")
	require.NoError(t, err)
	require.Equal(t, []byte("%"), r.From)
	require.Equal(t, []byte("/"), r.To)
	require.Equal(t, 20, r.InitialTTL)
}

func TestParse_CaseInsensitiveHex(t *testing.T) {
	r, err := Parse("s/A/%Af")
	require.NoError(t, err)
	require.Equal(t, []byte{0xaf}, r.To)
}

func TestParse_MissingFirstSlash(t *testing.T) {
	_, err := Parse("sfoo")
	require.Error(t, err)
}

func TestParse_MissingSecondSlash(t *testing.T) {
	_, err := Parse("s/foo")
	require.Error(t, err)
}

func TestParse_EmptyPatternIsError(t *testing.T) {
	_, err := Parse("s//repl")
	require.Error(t, err)
}

func TestParse_TruncatedEscape(t *testing.T) {
	_, err := Parse("s/foo%/bar")
	require.Error(t, err)
}

func TestParse_NonHexEscape(t *testing.T) {
	_, err := Parse("s/foo%zz/bar")
	require.Error(t, err)
}

func TestParse_NullByteViaEscape(t *testing.T) {
	r, err := Parse("s/%00/x")
	require.NoError(t, err)
	require.Equal(t, []byte{0x00}, r.From)
}

func TestParseAll_OrderPreserved(t *testing.T) {
	rs, err := ParseAll([]string{"s/a/1", "s/b/2", "s/c/3"})
	require.NoError(t, err)
	require.Len(t, rs, 3)
	require.Equal(t, []byte("a"), rs[0].From)
	require.Equal(t, []byte("c"), rs[2].From)
}

func TestParseAll_StopsAtFirstError(t *testing.T) {
	_, err := ParseAll([]string{"s/a/1", "broken", "s/c/3"})
	require.Error(t, err)
}

func TestTTLVector_ClonedIndependently(t *testing.T) {
	rs, err := ParseAll([]string{"s/a/1/5", "s/b/2"})
	require.NoError(t, err)

	v1 := rs.TTLVector()
	v2 := rs.TTLVector()
	v1[0] = 99
	require.Equal(t, 5, v2[0])
	require.Equal(t, Unlimited, v2[1])
}
