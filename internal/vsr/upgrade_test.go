package vsr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("v1.2.3")
	require.NoError(t, err)
	assert.Equal(t, NewVersion(1, 2, 3), v)

	v, err = ParseVersion(" 0.4.0 ")
	require.NoError(t, err)
	assert.Equal(t, V0_4_0, v)

	for _, bad := range []string{"", "1.2", "1.2.x", "1.2.3.4", "70000.0.0"} {
		_, err := ParseVersion(bad)
		assert.Error(t, err, bad)
	}
}

func TestVersionInfo_Compare(t *testing.T) {
	assert.True(t, V0_3_0.Less(V0_4_0))
	assert.True(t, NewVersion(0, 4, 1).Compare(V0_4_0) > 0)
	assert.Equal(t, 0, V1_0_0.Compare(NewVersion(1, 0, 0)))
	assert.True(t, V0_3_0.IsCompatibleWith(V0_5_0))
	assert.False(t, V0_5_0.IsCompatibleWith(V1_0_0))
	assert.Equal(t, "v0.4.0", V0_4_0.String())
}

func TestVersionInfo_Stage(t *testing.T) {
	assert.Equal(t, StageAlpha, NewVersion(0, 1, 0).Stage())
	assert.Equal(t, StageBeta, V0_3_0.Stage())
	assert.Equal(t, StageCandidate, V0_4_0.Stage())
	assert.Equal(t, StageStable, V1_0_0.Stage())
}

func TestUpgradeState_ClusterVersion(t *testing.T) {
	u := NewUpgradeState(V0_4_0)
	assert.Equal(t, V0_4_0, u.ClusterVersion())

	t.Run("is the minimum of every known version", func(t *testing.T) {
		assert.True(t, u.Observe(1, V0_3_0))
		u.Observe(2, V0_5_0)
		assert.Equal(t, V0_3_0, u.ClusterVersion())
		assert.Equal(t, V0_5_0, u.MaxVersion())
	})

	t.Run("ignores zero versions", func(t *testing.T) {
		assert.False(t, u.Observe(3, VersionInfo{}))
		_, known := u.ReplicaVersions[3]
		assert.False(t, known)
	})

	t.Run("forgetting a replica raises the minimum", func(t *testing.T) {
		u.Forget(1)
		assert.Equal(t, V0_4_0, u.ClusterVersion())
	})
}

func TestUpgradeState_ProposeUpgrade(t *testing.T) {
	t.Run("rejects a major version change", func(t *testing.T) {
		u := NewUpgradeState(V0_4_0)
		assert.ErrorIs(t, u.ProposeUpgrade(V1_0_0), ErrIncompatibleVersion)
		assert.Nil(t, u.TargetVersion)
	})

	t.Run("rejects a target that is not newer", func(t *testing.T) {
		u := NewUpgradeState(V0_4_0)
		assert.ErrorIs(t, u.ProposeUpgrade(V0_4_0), ErrVersionNotNewer)
		assert.ErrorIs(t, u.ProposeUpgrade(V0_3_0), ErrVersionNotNewer)
		assert.Nil(t, u.TargetVersion)
	})

	t.Run("rejects a second upgrade while one is in flight", func(t *testing.T) {
		u := NewUpgradeState(V0_4_0)
		require.NoError(t, u.ProposeUpgrade(V0_5_0))
		assert.ErrorIs(t, u.ProposeUpgrade(NewVersion(0, 6, 0)), ErrUpgradeInProgress)
		assert.Equal(t, V0_5_0, *u.TargetVersion)
	})

	t.Run("completes once every replica reached the target", func(t *testing.T) {
		u := NewUpgradeState(V0_4_0)
		u.Observe(1, V0_4_0)
		u.Observe(2, V0_4_0)
		require.NoError(t, u.ProposeUpgrade(V0_5_0))
		assert.Equal(t, []ReplicaID{1, 2}, u.LaggingReplicas())

		require.NoError(t, u.Announce(V0_5_0))
		u.Observe(1, V0_5_0)
		assert.Equal(t, []ReplicaID{2}, u.LaggingReplicas())
		assert.NotNil(t, u.TargetVersion)

		u.Observe(2, V0_5_0)
		assert.Nil(t, u.TargetVersion, "target cleared on completion")
		assert.Nil(t, u.LaggingReplicas())
	})
}

func TestUpgradeState_Rollback(t *testing.T) {
	u := NewUpgradeState(V0_4_0)
	u.Observe(1, V0_4_0)
	require.NoError(t, u.ProposeUpgrade(V0_5_0))

	assert.ErrorIs(t, u.Rollback(V0_4_0), ErrVersionNotOlder)
	assert.ErrorIs(t, u.Rollback(NewVersion(1, 0, 0)), ErrIncompatibleVersion)

	require.NoError(t, u.Rollback(V0_3_0))
	assert.Equal(t, V0_3_0, u.SelfVersion)
	assert.Nil(t, u.TargetVersion)
	assert.True(t, u.RollingBack)
	assert.False(t, u.IsFeatureEnabled(FeatureClusterReconfig), "rollback disables features at once")

	u.Observe(1, V0_3_0)
	assert.False(t, u.RollingBack, "rollback ends once nobody runs a newer version")
}

func TestUpgradeState_Features(t *testing.T) {
	u := NewUpgradeState(V0_4_0)
	assert.Equal(t, AllFeatures, u.EnabledFeatures())

	u.Observe(1, V0_3_0)
	assert.False(t, u.IsFeatureEnabled(FeatureClientSessions))
	assert.Empty(t, u.EnabledFeatures())

	u.Observe(1, V0_4_0)
	assert.True(t, u.IsFeatureEnabled(FeatureClientSessions))
}

func TestUpgradeState_Reporting(t *testing.T) {
	u := NewUpgradeState(V0_4_0)
	u.Observe(2, V0_3_0)
	u.Observe(1, V0_4_0)
	u.Observe(0, V0_5_0)

	assert.Equal(t, map[VersionInfo]int{V0_4_0: 2, V0_3_0: 1}, u.VersionDistribution(0))
	assert.Equal(t, []ReplicaVersion{{Replica: 1, Version: V0_4_0}, {Replica: 2, Version: V0_3_0}}, u.Snapshot(0))
}
