package sim

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vsr-engine/internal/logging"
	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/replica"
)

func createTestCluster(t *testing.T, size int, opts Options) *Cluster {
	t.Helper()
	logging.Quiet()
	c, err := NewCluster(size, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, c.CheckSafety())
	})
	return c
}

func set(key string, i int) string { return fmt.Sprintf("SET %s=%d", key, i) }

// proposeCommitted proposes count ops one after the other, each committed before the next
func proposeCommitted(t *testing.T, c *Cluster, count int) {
	t.Helper()
	for i := 1; i <= count; i++ {
		op, err := c.Propose(set("k", i))
		require.NoError(t, err)
		require.True(t, c.RunUntil(func() bool {
			leader, ok := c.Leader()
			return ok && leader.Replica.Commit() >= op
		}, 200), "op %d not committed", op)
	}
}

func normalIn(n *Node, view vsr.ViewNumber) bool {
	return n.Replica.Status() == vsr.StatusNormal && n.Replica.View() >= view
}

func TestScenario_NormalOperation(t *testing.T) {
	c := createTestCluster(t, 3, Options{Seed: 1})

	for i := 1; i <= 5; i++ {
		op, err := c.Propose(set("k", i))
		require.NoError(t, err)
		assert.Equal(t, vsr.OpNumber(i), op)
		require.True(t, c.RunUntil(func() bool { return c.Node(0).Replica.Commit() >= op }, 100))
	}
	require.True(t, c.RunUntil(func() bool { return c.Converged() && c.AllCommitted(5) }, 100))

	for _, n := range c.Live() {
		assert.Equal(t, vsr.OpNumber(5), n.Replica.Commit(), "replica %s", n.ID)
		assert.Equal(t, vsr.ViewNumber(0), n.Replica.View())
		v, ok := n.KV.Get("k")
		assert.True(t, ok)
		assert.Equal(t, "5", v)
		assert.Len(t, n.Applied, 5)
	}
	assert.NoError(t, c.CheckAgreement())
}

func TestScenario_LeaderIsolated(t *testing.T) {
	c := createTestCluster(t, 3, Options{Seed: 2})
	proposeCommitted(t, c, 3)
	require.True(t, c.RunUntil(func() bool { return c.AllCommitted(3) }, 100))
	op3, ok := c.Committed(3)
	require.True(t, ok)

	c.Isolate(0)
	op, err := c.Propose("SET lost=4")
	require.NoError(t, err)
	require.Equal(t, vsr.OpNumber(4), op)

	require.True(t, c.RunUntil(func() bool {
		return normalIn(c.Node(1), 1) && normalIn(c.Node(2), 1) && c.Node(1).Replica.View() == c.Node(2).Replica.View()
	}, 1000), "remaining replicas did not elect a leader")

	for _, id := range []vsr.ReplicaID{1, 2} {
		r := c.Node(id).Replica
		assert.Equal(t, vsr.OpNumber(3), r.Op(), "op 4 never reached %s", id)
		e, ok, err := r.Entry(3)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, op3.Equal(e), "op 3 changed on %s", id)
	}

	op, err = c.Propose("SET kept=4")
	require.NoError(t, err)
	assert.Equal(t, vsr.OpNumber(4), op)
	leader, _ := c.Leader()
	assert.NotEqual(t, vsr.ReplicaID(0), leader.ID)

	c.Heal()
	require.True(t, c.RunUntil(func() bool { return c.Converged() && c.AllCommitted(4) }, 1000))

	old := c.Node(0)
	_, lost := old.KV.Get("lost")
	assert.False(t, lost, "the uncommitted op of the isolated leader was discarded")
	v, _ := old.KV.Get("kept")
	assert.Equal(t, "4", v)
	e, ok, err := old.Replica.Entry(3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, op3.Equal(e))
}

func TestScenario_ByzantineDoViewChange(t *testing.T) {
	c := createTestCluster(t, 3, Options{Seed: 3})
	for i := 1; i <= 50; i++ {
		_, err := c.Propose(set("k", i))
		require.NoError(t, err)
	}
	require.True(t, c.RunUntil(func() bool { return c.Converged() && c.AllCommitted(50) }, 500))

	c.Isolate(0)
	c.Inject(vsr.Message{From: 2, To: 1, Payload: vsr.DoViewChange{
		View:           1,
		Replica:        2,
		LastNormalView: 0,
		Op:             1000,
		Commit:         1000,
		Reconfig:       vsr.NewStableState(vsr.NewClusterConfig(0, 1, 2)),
		Version:        vsr.CurrentVersion,
	}})
	c.Drain()

	r1 := c.Node(1).Replica
	assert.NoError(t, r1.Err(), "the forged history must not halt the replica")
	assert.Equal(t, vsr.StatusViewChange, r1.Status())
	assert.Equal(t, vsr.OpNumber(50), r1.Commit())
	assert.Equal(t, vsr.OpNumber(50), r1.Op(), "committed ops stay in place")

	c.Run(20)
	assert.LessOrEqual(t, r1.Commit(), r1.Op())
	assert.Equal(t, vsr.OpNumber(50), r1.Commit(), "nothing beyond the verified log is applied")

	require.True(t, c.RunUntil(func() bool {
		n1, n2 := c.Node(1), c.Node(2)
		return normalIn(n1, 1) && normalIn(n2, 1) && n1.Replica.View() == n2.Replica.View()
	}, 2000), "the cluster did not move past the forged view change")

	op, err := c.Propose("SET after=1")
	require.NoError(t, err)
	assert.Equal(t, vsr.OpNumber(51), op)

	c.Heal()
	require.True(t, c.RunUntil(func() bool { return c.Converged() && c.AllCommitted(51) }, 1000))
	for _, n := range c.Live() {
		assert.Equal(t, vsr.OpNumber(51), n.Replica.Commit())
	}
}

func TestScenario_AddReplica(t *testing.T) {
	c := createTestCluster(t, 3, Options{Seed: 4})
	proposeCommitted(t, c, 3)

	// without acknowledgements from replica 2 only {0,1} answer, a majority of the old configuration alone
	c.Network().Filter(func(m vsr.Message) bool {
		return m.From == 2 && m.Kind() == vsr.KindPrepareOk
	})

	var jointOp vsr.OpNumber
	require.NoError(t, c.Do(0, func(r *replica.Replica) (err error) {
		jointOp, err = r.ProposeReconfig(vsr.AddReplica(3))
		return err
	}))
	_, err := c.Propose("SET during=1")
	require.NoError(t, err)

	c.Run(30)
	leader := c.Node(0).Replica
	assert.True(t, leader.Reconfig().IsJoint())
	assert.Less(t, leader.Commit(), jointOp, "the new configuration has no quorum yet")

	require.NoError(t, c.AddReplica(3))
	require.True(t, c.RunUntil(func() bool {
		return leader.Commit() >= jointOp && !leader.Reconfig().IsJoint()
	}, 1000), "joint configuration never committed")

	c.Heal()
	_, err = c.Propose("SET after=1")
	require.NoError(t, err)
	require.True(t, c.RunUntil(func() bool { return c.Converged() && c.AllCommitted(jointOp+2) }, 1000))

	want := vsr.NewClusterConfig(0, 1, 2, 3)
	require.Len(t, c.Live(), 4)
	for _, n := range c.Live() {
		s := n.Replica.Reconfig()
		assert.False(t, s.IsJoint(), "replica %s", n.ID)
		assert.True(t, want.Equal(s.Old), "replica %s has %s", n.ID, s.Old)
	}
	v, ok := c.Node(3).KV.Get("during")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestScenario_RollingUpgrade(t *testing.T) {
	c := createTestCluster(t, 3, Options{
		Seed:     5,
		Versions: map[vsr.ReplicaID]vsr.VersionInfo{2: vsr.V0_3_0},
	})

	clusterAt := func(v vsr.VersionInfo) func() bool {
		return func() bool {
			for _, n := range c.Live() {
				if n.Replica.Snapshot().ClusterVersion != v {
					return false
				}
			}
			return true
		}
	}

	require.True(t, c.RunUntil(clusterAt(vsr.V0_3_0), 200))
	for _, n := range c.Live() {
		assert.False(t, n.Replica.IsFeatureEnabled(vsr.FeatureClusterReconfig), "replica %s", n.ID)
	}
	err := c.Do(0, func(r *replica.Replica) error {
		_, err := r.ProposeReconfig(vsr.AddReplica(3))
		return err
	})
	assert.ErrorIs(t, err, replica.ErrFeatureDisabled)

	require.NoError(t, c.Do(2, func(r *replica.Replica) error { return r.AnnounceVersion(vsr.V0_4_0) }))
	require.True(t, c.RunUntil(clusterAt(vsr.V0_4_0), 200))
	for _, n := range c.Live() {
		assert.True(t, n.Replica.IsFeatureEnabled(vsr.FeatureClusterReconfig), "replica %s", n.ID)
		assert.Empty(t, n.Replica.Snapshot().Lagging)
	}
}

func TestCluster_ClientRetry(t *testing.T) {
	c := createTestCluster(t, 3, Options{Seed: 6})
	req := vsr.Request{
		Client:  vsr.ClientMetadata{ClientID: "client-1", RequestNumber: 1},
		Command: vsr.DataCommand([]byte("SET once=1")),
	}

	require.NoError(t, c.Submit(req))
	require.NoError(t, c.Submit(req), "a retry while in flight is absorbed")
	require.True(t, c.RunUntil(func() bool { return c.AllCommitted(1) }, 200))
	require.NoError(t, c.Submit(req))
	c.Run(5)

	leader := c.Node(0)
	assert.Equal(t, vsr.OpNumber(1), leader.Replica.Op())
	require.Len(t, leader.Replies, 2)
	assert.Equal(t, leader.Replies[0], leader.Replies[1])
	for _, n := range c.Live() {
		assert.Equal(t, 1, n.KV.Applications(1), "replica %s", n.ID)
	}
}

func TestCluster_CrashRestart(t *testing.T) {
	c := createTestCluster(t, 3, Options{Seed: 7})
	proposeCommitted(t, c, 5)

	c.Crash(2)
	proposeCommitted(t, c, 5)
	require.NoError(t, c.Restart(2))
	assert.Equal(t, vsr.StatusRecovering, c.Node(2).Replica.Status())

	require.True(t, c.RunUntil(func() bool { return c.Converged() && c.AllCommitted(10) }, 1000))
	v, _ := c.Node(2).KV.Get("k")
	assert.Equal(t, "5", v)
	assert.Error(t, c.Restart(2), "only crashed replicas restart")
}
