package tracker

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/netsed/netsed-go/internal/rule"
	"github.com/stretchr/testify/require"
)

func testRules(t *testing.T) rule.RuleSet {
	t.Helper()
	rs, err := rule.ParseAll([]string{"s/a/b/3"})
	require.NoError(t, err)
	return rs
}

func fakeDial(conn net.Conn, err error) Dial {
	return func() (net.Conn, error) { return conn, err }
}

type fakeAddr struct{ network, s string }

func (a fakeAddr) Network() string { return a.network }
func (a fakeAddr) String() string  { return a.s }

func TestAdmitStream_SetsEstablishedAndClonesTTL(t *testing.T) {
	tr := New(testRules(t))
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	now := time.Now()
	f, err := tr.AdmitStream(c1, fakeDial(c2, nil), now)
	require.NoError(t, err)
	require.Equal(t, Established, f.State)
	require.Equal(t, []int{3}, f.TTL)
	require.Equal(t, uint64(1), tr.Stats().Admitted)
}

func TestAdmitStream_DialFailureDropsAndDoesNotInsert(t *testing.T) {
	tr := New(testRules(t))
	c1, _ := net.Pipe()
	defer c1.Close()

	_, err := tr.AdmitStream(c1, fakeDial(nil, errors.New("refused")), time.Now())
	require.ErrorIs(t, err, ErrUpstreamUnreachable)
	require.Empty(t, tr.Flows())
	require.Equal(t, uint64(1), tr.Stats().Dropped)
}

func TestAdmitDatagram_SetsUnrepliedAndIndexesByPeer(t *testing.T) {
	tr := New(testRules(t))
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	peer := fakeAddr{"udp", "10.0.0.5:4000"}
	now := time.Now()
	f, err := tr.AdmitDatagram(peer, fakeDial(c2, nil), now)
	require.NoError(t, err)
	require.Equal(t, Unreplied, f.State)

	found, ok := tr.FindDatagram(peer)
	require.True(t, ok)
	require.Same(t, f, found)
}

func TestFindDatagram_UnknownPeerNotFound(t *testing.T) {
	tr := New(testRules(t))
	_, ok := tr.FindDatagram(fakeAddr{"udp", "10.0.0.9:1"})
	require.False(t, ok)
}

func TestReapTerminal_RemovesDisconnectedKeepsLive(t *testing.T) {
	tr := New(testRules(t))
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	c3, c4 := net.Pipe()
	defer c3.Close()
	defer c4.Close()

	now := time.Now()
	alive, err := tr.AdmitStream(c1, fakeDial(c2, nil), now)
	require.NoError(t, err)
	dead, err := tr.AdmitStream(c3, fakeDial(c4, nil), now)
	require.NoError(t, err)
	dead.State = Disconnected

	reaped := tr.ReapTerminal()
	require.Len(t, reaped, 1)
	require.Same(t, dead, reaped[0])

	remaining := tr.Flows()
	require.Len(t, remaining, 1)
	require.Same(t, alive, remaining[0])
	require.Equal(t, uint64(1), tr.Stats().Reaped)
}

func TestReapTerminal_DatagramRemovedFromPeerIndex(t *testing.T) {
	tr := New(testRules(t))
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	peer := fakeAddr{"udp", "10.0.0.5:4000"}
	f, err := tr.AdmitDatagram(peer, fakeDial(c2, nil), time.Now())
	require.NoError(t, err)
	f.State = TimedOut

	reaped := tr.ReapTerminal()
	require.Len(t, reaped, 1)

	_, ok := tr.FindDatagram(peer)
	require.False(t, ok)
}

func TestFlow_TimedOutSince(t *testing.T) {
	f := &Flow{Kind: KindDatagram, State: Unreplied, LastActivity: time.Now().Add(-31 * time.Second)}
	require.True(t, f.TimedOutSince(time.Now()))

	f2 := &Flow{Kind: KindDatagram, State: Unreplied, LastActivity: time.Now()}
	require.False(t, f2.TimedOutSince(time.Now()))
}

func TestState_TerminalOrdering(t *testing.T) {
	require.False(t, Unreplied.Terminal())
	require.False(t, Established.Terminal())
	require.True(t, Disconnected.Terminal())
	require.True(t, TimedOut.Terminal())
}
