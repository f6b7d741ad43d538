package replica

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/mocks"
	"vsr-engine/internal/vsr/storage"
)

type testReplica struct {
	*Replica
	store   *mocks.MockLogStore
	sm      *mocks.MockStateMachine
	metrics *mocks.MockMetricsCollector
}

func createTestReplica(t *testing.T, id vsr.ReplicaID, members ...vsr.ReplicaID) *testReplica {
	t.Helper()
	return createTestReplicaWith(t, id, func(*Config) {}, members...)
}

func createTestReplicaWith(t *testing.T, id vsr.ReplicaID, tweak func(*Config), members ...vsr.ReplicaID) *testReplica {
	t.Helper()
	if len(members) == 0 {
		members = []vsr.ReplicaID{0, 1, 2}
	}
	tr := &testReplica{
		store:   mocks.NewMockLogStore(),
		sm:      mocks.NewMockStateMachine(),
		metrics: mocks.NewMockMetricsCollector(),
	}
	cfg := DefaultConfig(id, vsr.NewClusterConfig(members...))
	cfg.Metrics = tr.metrics
	tweak(&cfg)

	r, err := NewReplica(cfg, tr.store, tr.sm)
	require.NoError(t, err)
	tr.Replica = r
	r.TakeOutput()
	return tr
}

func (tr *testReplica) deliver(t *testing.T, from vsr.ReplicaID, p vsr.Payload) Output {
	t.Helper()
	require.NoError(t, tr.HandleMessage(vsr.Message{From: from, To: tr.ID(), Payload: p}))
	return tr.TakeOutput()
}

func data(op vsr.OpNumber, view vsr.ViewNumber, payload string) vsr.LogEntry {
	return vsr.LogEntry{Op: op, View: view, Command: vsr.DataCommand([]byte(payload))}
}

func sentTo(out Output, to vsr.ReplicaID, kind vsr.MessageKind) []vsr.Message {
	var found []vsr.Message
	for _, m := range out.Messages {
		if m.To == to && m.Kind() == kind {
			found = append(found, m)
		}
	}
	for _, b := range out.Broadcasts {
		if b.Message.Kind() != kind {
			continue
		}
		for _, id := range b.To {
			if id == to {
				msg := b.Message
				msg.To = to
				found = append(found, msg)
			}
		}
	}
	return found
}

func broadcasts(out Output, kind vsr.MessageKind) []Broadcast {
	var found []Broadcast
	for _, b := range out.Broadcasts {
		if b.Message.Kind() == kind {
			found = append(found, b)
		}
	}
	return found
}

func TestNewReplica(t *testing.T) {
	t.Run("fresh store starts normal in view zero", func(t *testing.T) {
		tr := createTestReplica(t, 0)

		assert.Equal(t, vsr.StatusNormal, tr.Status())
		assert.Equal(t, vsr.ViewNumber(0), tr.View())
		assert.True(t, tr.IsLeader())
		assert.Equal(t, vsr.RoleLeader, tr.Role())
		assert.Equal(t, []vsr.ReplicaID{1, 2}, tr.Peers())
		require.NotNil(t, tr.store.State(), "genesis state is persisted")
	})

	t.Run("backup knows its leader", func(t *testing.T) {
		tr := createTestReplica(t, 2)
		assert.False(t, tr.IsLeader())
		assert.Equal(t, vsr.ReplicaID(0), tr.Leader())
		assert.Equal(t, vsr.RoleBackup, tr.Role())
	})

	t.Run("rejects an invalid configuration", func(t *testing.T) {
		tests := []struct {
			name  string
			tweak func(*Config)
		}{
			{"replica outside cluster", func(c *Config) { c.ID = 9 }},
			{"empty cluster", func(c *Config) { c.Cluster = vsr.NewClusterConfig() }},
			{"zero version", func(c *Config) { c.Version = vsr.VersionInfo{} }},
			{"election below heartbeat", func(c *Config) { c.ElectionTicks = c.HeartbeatTicks }},
			{"zero pipeline", func(c *Config) { c.MaxPipelineDepth = 0 }},
			{"zero tick interval", func(c *Config) { c.TickInterval = 0 }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				cfg := DefaultConfig(0, vsr.NewClusterConfig(0, 1, 2))
				tt.tweak(&cfg)
				_, err := NewReplica(cfg, mocks.NewMockLogStore(), mocks.NewMockStateMachine())
				assert.ErrorIs(t, err, vsr.ErrInvalidConfig)
			})
		}
	})

	t.Run("fails when state cannot be loaded", func(t *testing.T) {
		store := mocks.NewMockLogStore()
		store.LoadStateError = mocks.ErrInjected
		_, err := NewReplica(DefaultConfig(0, vsr.NewClusterConfig(0, 1, 2)), store, mocks.NewMockStateMachine())
		assert.ErrorIs(t, err, mocks.ErrInjected)
	})
}

func TestReplica_Propose(t *testing.T) {
	t.Run("leader prepares and commits with a quorum", func(t *testing.T) {
		tr := createTestReplica(t, 0)

		op, err := tr.Propose(vsr.DataCommand([]byte("SET a=1")), vsr.ClientMetadata{})
		require.NoError(t, err)
		assert.Equal(t, vsr.OpNumber(1), op)
		assert.Equal(t, vsr.OpNumber(0), tr.Commit())

		out := tr.TakeOutput()
		prepares := broadcasts(out, vsr.KindPrepare)
		require.Len(t, prepares, 1)
		assert.Equal(t, []vsr.ReplicaID{1, 2}, prepares[0].To)
		assert.Equal(t, 1, tr.metrics.PrepareCount)

		out = tr.deliver(t, 1, vsr.PrepareOk{View: 0, Op: 1, Replica: 1})
		assert.Equal(t, vsr.OpNumber(1), tr.Commit())
		require.Len(t, out.Applied, 1)
		assert.Equal(t, []byte("SET a=1"), out.Applied[0].Result)
		assert.Len(t, broadcasts(out, vsr.KindCommit), 1)
		assert.Equal(t, []vsr.OpNumber{1}, tr.sm.AppliedOps())
		assert.Len(t, tr.metrics.CommitLatencies, 1)
	})

	t.Run("acknowledgement of a later op commits earlier ones", func(t *testing.T) {
		tr := createTestReplica(t, 0)
		for i := 0; i < 3; i++ {
			_, err := tr.Propose(vsr.DataCommand([]byte("x")), vsr.ClientMetadata{})
			require.NoError(t, err)
		}
		tr.TakeOutput()

		tr.deliver(t, 2, vsr.PrepareOk{View: 0, Op: 3, Replica: 2})
		assert.Equal(t, vsr.OpNumber(3), tr.Commit())
		assert.Equal(t, []vsr.OpNumber{1, 2, 3}, tr.sm.AppliedOps())
	})

	t.Run("backup refuses with a leader hint", func(t *testing.T) {
		tr := createTestReplica(t, 1)

		_, err := tr.Propose(vsr.DataCommand([]byte("x")), vsr.ClientMetadata{})
		assert.ErrorIs(t, err, ErrNotLeader)
		var notLeader *NotLeaderError
		require.True(t, errors.As(err, &notLeader))
		assert.Equal(t, vsr.ReplicaID(0), notLeader.Leader)
	})

	t.Run("membership changes are not plain proposals", func(t *testing.T) {
		tr := createTestReplica(t, 0)
		_, err := tr.Propose(vsr.ReconfigurationCommand(vsr.AddReplica(3)), vsr.ClientMetadata{})
		assert.ErrorIs(t, err, vsr.ErrInvalidReconfig)
	})

	t.Run("pipeline limit applies backpressure", func(t *testing.T) {
		tr := createTestReplicaWith(t, 0, func(c *Config) { c.MaxPipelineDepth = 2 })
		for i := 0; i < 2; i++ {
			_, err := tr.Propose(vsr.DataCommand([]byte("x")), vsr.ClientMetadata{})
			require.NoError(t, err)
		}
		_, err := tr.Propose(vsr.DataCommand([]byte("x")), vsr.ClientMetadata{})
		assert.ErrorIs(t, err, ErrBackpressure)
		assert.Equal(t, vsr.OpNumber(2), tr.Op())
	})

	t.Run("storage failure halts the replica", func(t *testing.T) {
		tr := createTestReplica(t, 0)
		tr.store.AppendError = mocks.ErrInjected

		_, err := tr.Propose(vsr.DataCommand([]byte("x")), vsr.ClientMetadata{})
		assert.ErrorIs(t, err, ErrHalted)
		assert.ErrorIs(t, tr.Err(), mocks.ErrInjected)

		_, err = tr.Propose(vsr.DataCommand([]byte("y")), vsr.ClientMetadata{})
		assert.ErrorIs(t, err, ErrHalted)
		assert.ErrorIs(t, tr.HandleMessage(vsr.Message{From: 1, Payload: vsr.Commit{}}), ErrHalted)
	})
}

func TestReplica_Prepare(t *testing.T) {
	t.Run("backup appends and acknowledges", func(t *testing.T) {
		tr := createTestReplica(t, 1)

		out := tr.deliver(t, 0, vsr.Prepare{View: 0, Op: 1, Entry: data(1, 0, "a")})
		assert.Equal(t, vsr.OpNumber(1), tr.Op())
		oks := sentTo(out, 0, vsr.KindPrepareOk)
		require.Len(t, oks, 1)
		assert.Equal(t, vsr.OpNumber(1), oks[0].Payload.(vsr.PrepareOk).Op)
	})

	t.Run("replayed prepare is acknowledged again", func(t *testing.T) {
		tr := createTestReplica(t, 1)
		tr.deliver(t, 0, vsr.Prepare{View: 0, Op: 1, Entry: data(1, 0, "a")})

		out := tr.deliver(t, 0, vsr.Prepare{View: 0, Op: 1, Entry: data(1, 0, "a")})
		assert.Equal(t, vsr.OpNumber(1), tr.Op())
		assert.Len(t, sentTo(out, 0, vsr.KindPrepareOk), 1)
	})

	t.Run("gap triggers a repair from the leader", func(t *testing.T) {
		tr := createTestReplica(t, 1)

		out := tr.deliver(t, 0, vsr.Prepare{View: 0, Op: 3, Entry: data(3, 0, "c")})
		assert.Equal(t, vsr.OpNumber(0), tr.Op(), "never appends past a gap")
		reqs := sentTo(out, 0, vsr.KindRepairRequest)
		require.Len(t, reqs, 1)
		req := reqs[0].Payload.(vsr.RepairRequest)
		assert.Equal(t, vsr.OpNumber(1), req.Start)
		assert.Equal(t, vsr.OpNumber(3), req.End)

		out = tr.deliver(t, 0, vsr.RepairResponse{Replica: 0, Nonce: req.Nonce, Start: 1,
			Entries: []vsr.LogEntry{data(1, 0, "a"), data(2, 0, "b")}})
		assert.Equal(t, vsr.OpNumber(2), tr.Op())
		assert.Len(t, sentTo(out, 0, vsr.KindPrepareOk), 1)
		assert.Equal(t, 1, tr.metrics.RepairsOK)
	})

	t.Run("prepare from a non-leader is ignored", func(t *testing.T) {
		tr := createTestReplica(t, 1)
		out := tr.deliver(t, 2, vsr.Prepare{View: 0, Op: 1, Entry: data(1, 0, "a")})
		assert.Equal(t, vsr.OpNumber(0), tr.Op())
		assert.True(t, out.IsEmpty())
	})

	t.Run("invalid prepare is rejected without side effects", func(t *testing.T) {
		tr := createTestReplica(t, 1)
		err := tr.HandleMessage(vsr.Message{From: 0, Payload: vsr.Prepare{View: 0, Op: 1, Commit: 1,
			Entry: data(1, 0, "a")}})
		assert.ErrorIs(t, err, vsr.ErrInvalidMessage)
		assert.Equal(t, vsr.OpNumber(0), tr.Op())
		assert.Equal(t, 1, tr.metrics.Rejected[vsr.KindPrepare])
	})
}

func TestReplica_CommitCatchUp(t *testing.T) {
	t.Run("applies held entries in order", func(t *testing.T) {
		tr := createTestReplica(t, 1)
		tr.deliver(t, 0, vsr.Prepare{View: 0, Op: 1, Entry: data(1, 0, "a")})
		tr.deliver(t, 0, vsr.Prepare{View: 0, Op: 2, Entry: data(2, 0, "b")})

		out := tr.deliver(t, 0, vsr.Commit{View: 0, Commit: 2})
		assert.Equal(t, vsr.OpNumber(2), tr.Commit())
		assert.Len(t, out.Applied, 2)
		assert.Empty(t, out.Replies, "only the leader answers clients")
	})

	t.Run("never commits past the local log", func(t *testing.T) {
		tr := createTestReplica(t, 1)
		tr.deliver(t, 0, vsr.Prepare{View: 0, Op: 1, Entry: data(1, 0, "a")})

		out := tr.deliver(t, 0, vsr.Commit{View: 0, Commit: 5})
		assert.Equal(t, vsr.OpNumber(1), tr.Commit())
		var reqs []vsr.Message
		for _, m := range out.Messages {
			if m.Kind() == vsr.KindRepairRequest {
				reqs = append(reqs, m)
			}
		}
		require.Len(t, reqs, 1)
		req := reqs[0].Payload.(vsr.RepairRequest)
		assert.Equal(t, vsr.OpNumber(2), req.Start)
		assert.Equal(t, vsr.OpNumber(6), req.End)
	})
}

func TestReplica_ViewChange(t *testing.T) {
	t.Run("backup suspecting the leader starts a view change", func(t *testing.T) {
		tr := createTestReplica(t, 1)
		tr.HandleTimeout(TimeoutLeaderSuspect)

		assert.Equal(t, vsr.StatusViewChange, tr.Status())
		assert.Equal(t, vsr.ViewNumber(1), tr.View())
		svc := broadcasts(tr.TakeOutput(), vsr.KindStartViewChange)
		require.Len(t, svc, 1)
		assert.Equal(t, []vsr.ReplicaID{0, 2}, svc[0].To)

		_, err := tr.Propose(vsr.DataCommand([]byte("x")), vsr.ClientMetadata{})
		assert.ErrorIs(t, err, ErrNotNormal)
	})

	t.Run("new leader starts the view after a quorum of DoViewChange", func(t *testing.T) {
		tr := createTestReplica(t, 1)
		tr.HandleTimeout(TimeoutLeaderSuspect)
		tr.TakeOutput()

		tr.deliver(t, 2, vsr.StartViewChange{View: 1, Replica: 2})
		assert.Equal(t, vsr.StatusViewChange, tr.Status())

		out := tr.deliver(t, 2, vsr.DoViewChange{View: 1, Replica: 2, Reconfig: tr.Reconfig(),
			Version: vsr.CurrentVersion})
		assert.Equal(t, vsr.StatusNormal, tr.Status())
		assert.True(t, tr.IsLeader())
		assert.Len(t, broadcasts(out, vsr.KindStartView), 1)
		assert.Equal(t, 1, tr.metrics.ViewChanges())
	})

	t.Run("DoViewChange quorum holds under every claimed configuration", func(t *testing.T) {
		tr := createTestReplica(t, 1)
		tr.HandleTimeout(TimeoutLeaderSuspect)
		tr.deliver(t, 2, vsr.StartViewChange{View: 1, Replica: 2})

		wider := vsr.NewStableState(vsr.NewClusterConfig(0, 1, 2, 3, 4))
		tr.deliver(t, 2, vsr.DoViewChange{View: 1, Replica: 2, Reconfig: wider, Version: vsr.CurrentVersion})
		assert.Equal(t, vsr.StatusViewChange, tr.Status(), "two senders are no quorum of five")

		tr.deliver(t, 0, vsr.DoViewChange{View: 1, Replica: 0, Reconfig: tr.Reconfig(), Version: vsr.CurrentVersion})
		assert.Equal(t, vsr.StatusNormal, tr.Status())
		assert.True(t, tr.IsLeader())
	})

	t.Run("authoritative history does not depend on arrival order", func(t *testing.T) {
		tests := []struct {
			name string
			dvcs []vsr.DoViewChange
			want []string
		}{
			{
				name: "equal view and op go to the lowest replica",
				dvcs: []vsr.DoViewChange{
					{View: 1, Replica: 2, Op: 2, LogTail: []vsr.LogEntry{data(1, 0, "a"), data(2, 0, "b")}},
					{View: 1, Replica: 3, Op: 2, LogTail: []vsr.LogEntry{data(1, 0, "a"), data(2, 0, "c")}},
				},
				want: []string{"a", "b"},
			},
			{
				name: "higher op wins over a lower replica id",
				dvcs: []vsr.DoViewChange{
					{View: 1, Replica: 2, Op: 1, LogTail: []vsr.LogEntry{data(1, 0, "a")}},
					{View: 1, Replica: 3, Op: 2, LogTail: []vsr.LogEntry{data(1, 0, "x"), data(2, 0, "y")}},
				},
				want: []string{"x", "y"},
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				members := []vsr.ReplicaID{0, 1, 2, 3, 4}
				orders := [][]int{{0, 1}, {1, 0}}
				var tails [][]vsr.LogEntry
				for _, order := range orders {
					tr := createTestReplica(t, 1, members...)
					tr.HandleTimeout(TimeoutLeaderSuspect)
					tr.TakeOutput()

					var out Output
					for _, i := range order {
						dvc := tt.dvcs[i]
						dvc.Reconfig = tr.Reconfig()
						dvc.Version = vsr.CurrentVersion
						out = tr.deliver(t, dvc.Replica, dvc)
					}
					require.Equal(t, vsr.StatusNormal, tr.Status())

					var got []string
					for op := vsr.OpNumber(1); op <= tr.Op(); op++ {
						e, ok, err := tr.Entry(op)
						require.NoError(t, err)
						require.True(t, ok)
						got = append(got, string(e.Command.Payload))
					}
					assert.Equal(t, tt.want, got)

					sv := broadcasts(out, vsr.KindStartView)
					require.Len(t, sv, 1)
					tails = append(tails, sv[0].Message.Payload.(vsr.StartView).LogTail)
				}
				assert.Equal(t, tails[0], tails[1])
			})
		}
	})

	t.Run("ticks without leader contact trigger a view change", func(t *testing.T) {
		tr := createTestReplica(t, 2)
		for i := uint64(0); i < 2*tr.cfg.ElectionTicks; i++ {
			tr.Tick()
		}
		assert.Equal(t, vsr.StatusViewChange, tr.Status())
	})

	t.Run("leader heartbeats keep backups in the view", func(t *testing.T) {
		leader := createTestReplica(t, 0)
		backup := createTestReplica(t, 2)
		for i := uint64(0); i < 4*backup.cfg.ElectionTicks; i++ {
			leader.Tick()
			backup.Tick()
			for _, ping := range sentTo(leader.TakeOutput(), 2, vsr.KindPing) {
				backup.deliver(t, 0, ping.Payload)
			}
		}
		assert.Equal(t, vsr.StatusNormal, backup.Status())
		assert.Equal(t, vsr.ViewNumber(0), backup.View())
	})

	t.Run("DoViewChange contradicting a committed entry is discarded", func(t *testing.T) {
		tr := createTestReplica(t, 1)
		tr.deliver(t, 0, vsr.Prepare{View: 0, Op: 1, Entry: data(1, 0, "a")})
		tr.deliver(t, 0, vsr.Commit{View: 0, Commit: 1})
		require.Equal(t, vsr.OpNumber(1), tr.Commit())

		tr.HandleTimeout(TimeoutLeaderSuspect)
		tr.deliver(t, 2, vsr.StartViewChange{View: 1, Replica: 2})

		tr.deliver(t, 2, vsr.DoViewChange{View: 1, Replica: 2, Op: 2, Commit: 0,
			LogTail:  []vsr.LogEntry{data(1, 0, "forged"), data(2, 0, "b")},
			Reconfig: tr.Reconfig()})
		assert.Equal(t, vsr.StatusViewChange, tr.Status(), "the conflicting history does not count")
		assert.Equal(t, 1, tr.metrics.Rejected[vsr.KindDoViewChange])
		assert.NoError(t, tr.Err())

		tr.deliver(t, 0, vsr.DoViewChange{View: 1, Replica: 0, Op: 1, Commit: 1, Reconfig: tr.Reconfig()})
		assert.Equal(t, vsr.StatusNormal, tr.Status())
		entry, ok, err := tr.Entry(1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("a"), entry.Command.Payload)
	})

	t.Run("backup adopts StartView", func(t *testing.T) {
		tr := createTestReplica(t, 2)
		out := tr.deliver(t, 1, vsr.StartView{View: 1, Op: 1, LogTail: []vsr.LogEntry{data(1, 1, "a")},
			Reconfig: tr.Reconfig()})

		assert.Equal(t, vsr.StatusNormal, tr.Status())
		assert.Equal(t, vsr.ViewNumber(1), tr.View())
		assert.Equal(t, vsr.OpNumber(1), tr.Op())
		assert.Len(t, sentTo(out, 1, vsr.KindPrepareOk), 1)
	})

	t.Run("StartView from the wrong leader is ignored", func(t *testing.T) {
		tr := createTestReplica(t, 2)
		tr.deliver(t, 0, vsr.StartView{View: 1, Reconfig: tr.Reconfig()})
		assert.Equal(t, vsr.ViewNumber(0), tr.View())
	})

	t.Run("StartView truncates uncommitted entries", func(t *testing.T) {
		tr := createTestReplica(t, 2)
		tr.deliver(t, 0, vsr.Prepare{View: 0, Op: 1, Entry: data(1, 0, "a")})
		tr.deliver(t, 0, vsr.Prepare{View: 0, Op: 2, Entry: data(2, 0, "lost")})

		tr.deliver(t, 1, vsr.StartView{View: 1, Op: 1, LogTail: []vsr.LogEntry{data(1, 0, "a")},
			Reconfig: tr.Reconfig()})
		assert.Equal(t, vsr.OpNumber(1), tr.Op())
		_, ok, err := tr.Entry(2)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestReplica_Recovery(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Append(data(1, 0, "a")))
	cluster := vsr.NewClusterConfig(0, 1, 2)
	require.NoError(t, store.SaveState(vsr.PersistentState{Commit: 1, Reconfig: vsr.NewStableState(cluster)}))

	sm := mocks.NewMockStateMachine()
	r, err := NewReplica(DefaultConfig(1, cluster), store, sm)
	require.NoError(t, err)

	assert.Equal(t, vsr.StatusRecovering, r.Status())
	assert.Equal(t, []vsr.OpNumber{1}, sm.AppliedOps(), "committed ops are replayed on restart")

	out := r.TakeOutput()
	recoveries := broadcasts(out, vsr.KindRecovery)
	require.Len(t, recoveries, 1)
	nonce := recoveries[0].Message.Payload.(vsr.Recovery).Nonce

	stable := vsr.NewStableState(cluster)
	require.NoError(t, r.HandleMessage(vsr.Message{From: 2, Payload: vsr.RecoveryResponse{View: 0, Replica: 2,
		Nonce: nonce, Op: 1, Commit: 1, Reconfig: stable}}))
	assert.Equal(t, vsr.StatusRecovering, r.Status(), "the leader must answer")

	require.NoError(t, r.HandleMessage(vsr.Message{From: 0, Payload: vsr.RecoveryResponse{View: 0, Replica: 0,
		Nonce: nonce, Op: 2, Commit: 1, LogTail: []vsr.LogEntry{data(2, 0, "b")}, Reconfig: stable}}))
	assert.Equal(t, vsr.StatusNormal, r.Status())
	assert.Equal(t, vsr.OpNumber(2), r.Op())
	assert.Equal(t, vsr.OpNumber(1), r.Commit())
	assert.Len(t, sentTo(r.TakeOutput(), 0, vsr.KindPrepareOk), 1)

	t.Run("replays are not applied twice", func(t *testing.T) {
		sm := mocks.NewMockStateMachine()
		sm.SetLastApplied(1)
		_, err := NewReplica(DefaultConfig(1, cluster), store, sm)
		require.NoError(t, err)
		assert.Empty(t, sm.AppliedOps())
	})
}

func TestReplica_ClientSessions(t *testing.T) {
	tr := createTestReplica(t, 0)
	client := vsr.ClientMetadata{ClientID: "c1", RequestNumber: 1}
	req := vsr.Request{Client: client, Command: vsr.DataCommand([]byte("SET a=1"))}

	require.NoError(t, tr.HandleRequest(req))
	assert.Equal(t, vsr.OpNumber(1), tr.Op())
	tr.TakeOutput()

	t.Run("retry of an in-flight request is not prepared twice", func(t *testing.T) {
		require.NoError(t, tr.HandleRequest(req))
		assert.Equal(t, vsr.OpNumber(1), tr.Op())
		assert.Empty(t, tr.TakeOutput().Replies)
	})

	t.Run("commit answers the client", func(t *testing.T) {
		out := tr.deliver(t, 1, vsr.PrepareOk{View: 0, Op: 1, Replica: 1})
		require.Len(t, out.Replies, 1)
		assert.Equal(t, client, out.Replies[0].Client)
		assert.Equal(t, vsr.OpNumber(1), out.Replies[0].Op)
	})

	t.Run("retry of a committed request returns the cached reply", func(t *testing.T) {
		require.NoError(t, tr.HandleRequest(req))
		out := tr.TakeOutput()
		require.Len(t, out.Replies, 1)
		assert.Equal(t, vsr.OpNumber(1), out.Replies[0].Op)
		assert.Equal(t, vsr.OpNumber(1), tr.Op())
	})

	t.Run("older request is rejected", func(t *testing.T) {
		require.NoError(t, tr.HandleRequest(vsr.Request{Client: vsr.ClientMetadata{ClientID: "c1"},
			Command: vsr.DataCommand([]byte("SET a=0"))}))
		out := tr.TakeOutput()
		require.Len(t, out.Replies, 1)
		assert.Contains(t, out.Replies[0].Err, ErrStaleRequest.Error())
	})

	t.Run("backup rejects with a leader hint", func(t *testing.T) {
		backup := createTestReplica(t, 2)
		require.NoError(t, backup.HandleRequest(req))
		out := backup.TakeOutput()
		require.Len(t, out.Replies, 1)
		assert.Equal(t, vsr.ReplicaID(0), out.Replies[0].LeaderHint)
		assert.NotEmpty(t, out.Replies[0].Err)
	})
}

func TestReplica_Reconfiguration(t *testing.T) {
	t.Run("commit needs a quorum in both configurations", func(t *testing.T) {
		tr := createTestReplica(t, 0)

		op, err := tr.ProposeReconfig(vsr.AddReplica(3))
		require.NoError(t, err)
		assert.True(t, tr.Reconfig().IsJoint())
		assert.Equal(t, op, tr.Reconfig().JointOp)

		prepares := broadcasts(tr.TakeOutput(), vsr.KindPrepare)
		require.Len(t, prepares, 1)
		assert.Equal(t, []vsr.ReplicaID{1, 2, 3}, prepares[0].To)

		tr.deliver(t, 1, vsr.PrepareOk{View: 0, Op: 1, Replica: 1})
		assert.Equal(t, vsr.OpNumber(0), tr.Commit(), "majority of old only")

		tr.deliver(t, 3, vsr.PrepareOk{View: 0, Op: 1, Replica: 3})
		assert.Equal(t, vsr.OpNumber(1), tr.Commit())
		assert.False(t, tr.Reconfig().IsJoint())
		assert.Equal(t, []vsr.ReplicaID{0, 1, 2, 3}, tr.Reconfig().Old.Replicas())

		history := tr.ConfigHistory()
		require.Len(t, history, 2)
		assert.True(t, history[0].Intersects(history[1]))
		assert.Empty(t, tr.sm.AppliedOps(), "reconfigurations never reach the state machine")
	})

	t.Run("second reconfiguration waits for the first", func(t *testing.T) {
		tr := createTestReplica(t, 0)
		_, err := tr.ProposeReconfig(vsr.AddReplica(3))
		require.NoError(t, err)
		_, err = tr.ProposeReconfig(vsr.AddReplica(4))
		assert.ErrorIs(t, err, ErrReconfigInProgress)
	})

	t.Run("invalid transition leaves the state untouched", func(t *testing.T) {
		tr := createTestReplica(t, 0)
		_, err := tr.ProposeReconfig(vsr.RemoveReplica(2))
		assert.ErrorIs(t, err, vsr.ErrInvalidReconfig)
		assert.False(t, tr.Reconfig().IsJoint())
		assert.Equal(t, vsr.OpNumber(0), tr.Op())
	})

	t.Run("backup enters the joint phase when it appends the entry", func(t *testing.T) {
		tr := createTestReplica(t, 1)
		entry := vsr.LogEntry{Op: 1, View: 0, Command: vsr.ReconfigurationCommand(vsr.AddReplica(3))}
		tr.deliver(t, 0, vsr.Prepare{View: 0, Op: 1, Entry: entry})
		assert.True(t, tr.Reconfig().IsJoint())

		tr.deliver(t, 0, vsr.Commit{View: 0, Commit: 1})
		assert.False(t, tr.Reconfig().IsJoint())
		assert.True(t, tr.Reconfig().Old.Contains(3))
	})

	t.Run("removed leader retires after the commit", func(t *testing.T) {
		tr := createTestReplica(t, 0, 0, 1, 2, 3)
		_, err := tr.ProposeReconfig(vsr.RemoveReplica(0))
		require.NoError(t, err)
		tr.TakeOutput()

		tr.deliver(t, 1, vsr.PrepareOk{View: 0, Op: 1, Replica: 1})
		out := tr.deliver(t, 2, vsr.PrepareOk{View: 0, Op: 1, Replica: 2})
		assert.True(t, tr.Retired())
		commits := broadcasts(out, vsr.KindCommit)
		require.Len(t, commits, 1)
		assert.Equal(t, []vsr.ReplicaID{1, 2, 3}, commits[0].To)

		_, err = tr.Propose(vsr.DataCommand([]byte("x")), vsr.ClientMetadata{})
		assert.ErrorIs(t, err, ErrRetired)
	})

	t.Run("feature gate follows the cluster version", func(t *testing.T) {
		tr := createTestReplica(t, 0)
		tr.deliver(t, 1, vsr.Pong{View: 0, Replica: 1, Version: vsr.V0_3_0})
		assert.False(t, tr.IsFeatureEnabled(vsr.FeatureClusterReconfig))

		_, err := tr.ProposeReconfig(vsr.AddReplica(3))
		assert.ErrorIs(t, err, ErrFeatureDisabled)
	})
}

func TestReplica_Upgrade(t *testing.T) {
	t.Run("only the leader proposes", func(t *testing.T) {
		tr := createTestReplica(t, 1)
		assert.ErrorIs(t, tr.ProposeUpgrade(vsr.V0_5_0), ErrNotLeader)
	})

	t.Run("incompatible target is rejected", func(t *testing.T) {
		tr := createTestReplica(t, 0)
		assert.ErrorIs(t, tr.ProposeUpgrade(vsr.V1_0_0), vsr.ErrIncompatibleVersion)
		assert.Nil(t, tr.Snapshot().TargetVersion)
	})

	t.Run("announcements travel in heartbeats", func(t *testing.T) {
		tr := createTestReplica(t, 0)
		require.NoError(t, tr.ProposeUpgrade(vsr.V0_5_0))
		require.NoError(t, tr.AnnounceVersion(vsr.V0_5_0))

		pings := broadcasts(tr.TakeOutput(), vsr.KindPing)
		require.Len(t, pings, 1)
		assert.Equal(t, vsr.V0_5_0, pings[0].Message.Payload.(vsr.Ping).Version)
		assert.Equal(t, []vsr.ReplicaID(nil), tr.Snapshot().Lagging)
	})

	t.Run("rollback disables features", func(t *testing.T) {
		tr := createTestReplica(t, 0)
		require.NoError(t, tr.Rollback(vsr.V0_3_0))
		snap := tr.Snapshot()
		assert.True(t, snap.RollingBack)
		assert.Empty(t, snap.Features)
	})
}
