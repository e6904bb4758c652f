package membership_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/swimcore/membership"
)

func newTable(t *testing.T) *membership.Table {
	t.Helper()

	conf := membership.DefaultConfig()
	conf.ProtocolPeriod = 10 * time.Millisecond

	return membership.New("A", conf)
}

func TestLocalMemberAlwaysAlive(t *testing.T) {
	tbl := newTable(t)

	assert.Equal(t, membership.ID("A"), tbl.LocalMember())
	assert.Empty(t, tbl.Members())
}

func TestAlive_NewMemberJoins(t *testing.T) {
	tbl := newTable(t)

	events := tbl.Alive("B", 0)

	require.Len(t, events, 1)
	assert.Equal(t, membership.Joined, events[0].Kind)
	assert.Equal(t, membership.ID("B"), events[0].Member)

	members := tbl.Members()
	require.Len(t, members, 1)
	assert.Equal(t, membership.Alive, members[0].Status)
	assert.EqualValues(t, 0, members[0].Incarnation)
}

func TestIncarnationTiebreak(t *testing.T) {
	// S5 — Incarnation tiebreak.
	tbl := newTable(t)
	tbl.Alive("M", 0)
	tbl.Suspect("M", 3)

	events := tbl.Alive("M", 3)
	assert.Empty(t, events, "alive@3 must not downgrade suspect@3")

	members := tbl.Members()
	require.Len(t, members, 1)
	assert.Equal(t, membership.Suspect, members[0].Status)

	events = tbl.Alive("M", 4)
	require.Len(t, events, 1)
	assert.Equal(t, membership.StatusChanged, events[0].Kind)
	assert.Equal(t, membership.Alive, events[0].NewStatus)
}

func TestStaleIncarnationIsNoOp(t *testing.T) {
	tbl := newTable(t)
	tbl.Alive("M", 5)

	events := tbl.Alive("M", 2)
	assert.Empty(t, events)

	members := tbl.Members()
	require.Len(t, members, 1)
	assert.EqualValues(t, 5, members[0].Incarnation)
}

func TestHigherIncarnationReplacesUnconditionally(t *testing.T) {
	tbl := newTable(t)
	tbl.Faulty("M", 1)

	events := tbl.Alive("M", 2)
	require.Len(t, events, 1)
	assert.Equal(t, membership.Alive, events[0].NewStatus)
}

func TestSelfRefutation(t *testing.T) {
	// S4 — Refutation.
	tbl := newTable(t)

	// Bump local incarnation to 1 first, by refuting once.
	events := tbl.Suspect("A", 0)
	require.Len(t, events, 1)
	assert.Equal(t, membership.Refuted, events[0].Kind)
	assert.EqualValues(t, 1, events[0].Incarnation)

	events = tbl.Faulty("A", 4)
	require.Len(t, events, 1)
	assert.Equal(t, membership.Refuted, events[0].Kind)
	assert.EqualValues(t, 5, events[0].Incarnation)

	assert.Empty(t, tbl.Members(), "local member is never listed in Members")
}

func TestSetStatus_UsesCurrentIncarnation(t *testing.T) {
	tbl := newTable(t)
	tbl.Alive("M", 7)

	events := tbl.SetStatus("M", membership.Suspect)
	require.Len(t, events, 1)
	assert.Equal(t, membership.Suspect, events[0].NewStatus)
	assert.EqualValues(t, 7, events[0].Incarnation)
}

func TestSetStatus_UnknownMemberIsNoOp(t *testing.T) {
	tbl := newTable(t)
	assert.Empty(t, tbl.SetStatus("ghost", membership.Suspect))
}

func TestPiggybackBounded(t *testing.T) {
	conf := membership.DefaultConfig()
	conf.MaxPiggyback = 2
	tbl := membership.New("A", conf)

	tbl.Alive("M1", 0)
	tbl.Alive("M2", 0)
	tbl.Alive("M3", 0)

	events := tbl.Piggyback(10)
	require.Len(t, events, 2)
	assert.Equal(t, membership.ID("M2"), events[0].Member)
	assert.Equal(t, membership.ID("M3"), events[1].Member)
}

func TestSweep_SuspectExpiresToFaultyThenEvicted(t *testing.T) {
	// S3 — Full silence → suspect → faulty.
	conf := membership.DefaultConfig()
	conf.ProtocolPeriod = 5 * time.Millisecond
	conf.SuspicionMultiplier = 1
	tbl := membership.New("A", conf)

	tbl.Alive("B", 0)
	tbl.Suspect("B", 0)

	deadline := time.Now().Add(500 * time.Millisecond)

	for time.Now().Before(deadline) {
		members := tbl.Members()
		if len(members) == 1 && members[0].Status == membership.Faulty {
			break
		}

		time.Sleep(2 * time.Millisecond)
		tbl.SweepNow()
	}

	members := tbl.Members()
	require.Len(t, members, 1)
	assert.Equal(t, membership.Faulty, members[0].Status)

	// One more protocol period should evict it.
	time.Sleep(3 * conf.ProtocolPeriod)
	tbl.SweepNow()

	assert.Empty(t, tbl.Members())
}

func TestApplyPiggyback_StatusChanged(t *testing.T) {
	tbl := newTable(t)
	tbl.Alive("M", 0)

	events := tbl.ApplyPiggyback(membership.Event{
		Kind:        membership.StatusChanged,
		Member:      "M",
		NewStatus:   membership.Suspect,
		Incarnation: 1,
	})

	require.Len(t, events, 1)
	assert.Equal(t, membership.Suspect, events[0].NewStatus)
}

func TestLeave_TagsSelfFaultyBypassingRefutation(t *testing.T) {
	tbl := newTable(t)

	ev := tbl.Leave()

	assert.Equal(t, membership.StatusChanged, ev.Kind)
	assert.Equal(t, membership.ID("A"), ev.Member)
	assert.Equal(t, membership.Faulty, ev.NewStatus)
	assert.EqualValues(t, 1, ev.Incarnation)

	piggyback := tbl.Piggyback(10)
	require.Len(t, piggyback, 1)
	assert.Equal(t, membership.Faulty, piggyback[0].NewStatus)

	// A faulty report about self would normally be refuted back to alive;
	// Leave must bypass that path.
	assert.EqualValues(t, 1, tbl.LocalIncarnation())
}

func TestApplyPiggyback_Refuted(t *testing.T) {
	tbl := newTable(t)
	tbl.Suspect("M", 0)

	events := tbl.ApplyPiggyback(membership.Event{
		Kind:        membership.Refuted,
		Member:      "M",
		Incarnation: 1,
	})

	require.Len(t, events, 1)
	assert.Equal(t, membership.Alive, events[0].NewStatus)
}
