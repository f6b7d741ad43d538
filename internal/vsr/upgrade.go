package vsr

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrIncompatibleVersion is returned for proposals that cross a major version
	ErrIncompatibleVersion = errors.New("incompatible major version")
	// ErrUpgradeInProgress is returned when a target is proposed while another one is in flight
	ErrUpgradeInProgress = errors.New("upgrade already in progress")
	// ErrVersionNotNewer is returned when the proposed target does not move the cluster forward
	ErrVersionNotNewer = errors.New("target version must be higher than cluster version")
	// ErrVersionNotOlder is returned when a rollback does not go back in time
	ErrVersionNotOlder = errors.New("rollback version must be lower than current version")
)

// VersionInfo is a semantic version. Two versions are wire compatible iff their majors match.
type VersionInfo struct {
	Major uint16
	Minor uint16
	Patch uint16
}

var (
	V0_3_0 = VersionInfo{Major: 0, Minor: 3, Patch: 0}
	V0_4_0 = VersionInfo{Major: 0, Minor: 4, Patch: 0}
	V0_5_0 = VersionInfo{Major: 0, Minor: 5, Patch: 0}
	V1_0_0 = VersionInfo{Major: 1, Minor: 0, Patch: 0}

	// CurrentVersion is the version this build announces unless configured otherwise
	CurrentVersion = V0_4_0
)

func NewVersion(major, minor, patch uint16) VersionInfo {
	return VersionInfo{Major: major, Minor: minor, Patch: patch}
}

// ParseVersion accepts "1.2.3" with an optional leading "v"
func ParseVersion(s string) (VersionInfo, error) {
	parts := strings.Split(strings.TrimPrefix(strings.TrimSpace(s), "v"), ".")
	if len(parts) != 3 {
		return VersionInfo{}, fmt.Errorf("version %q: expected major.minor.patch", s)
	}
	var fields [3]uint16
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return VersionInfo{}, fmt.Errorf("version %q: %w", s, err)
		}
		fields[i] = uint16(n)
	}
	return NewVersion(fields[0], fields[1], fields[2]), nil
}

func (v VersionInfo) Compare(o VersionInfo) int {
	if c := cmp.Compare(v.Major, o.Major); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Minor, o.Minor); c != 0 {
		return c
	}
	return cmp.Compare(v.Patch, o.Patch)
}

func (v VersionInfo) Less(o VersionInfo) bool { return v.Compare(o) < 0 }

func (v VersionInfo) IsCompatibleWith(o VersionInfo) bool { return v.Major == o.Major }

func (v VersionInfo) IsZero() bool { return v == VersionInfo{} }

func (v VersionInfo) String() string { return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch) }

// ReleaseStage describes how mature a version is. Major 0 is pre-release.
type ReleaseStage uint8

const (
	StageAlpha ReleaseStage = iota
	StageBeta
	StageCandidate
	StageStable
)

func (s ReleaseStage) String() string {
	switch s {
	case StageAlpha:
		return "alpha"
	case StageBeta:
		return "beta"
	case StageCandidate:
		return "rc"
	default:
		return "stable"
	}
}

// Stage derives a release stage from the version number
func (v VersionInfo) Stage() ReleaseStage {
	switch {
	case v.Major >= 1:
		return StageStable
	case v.Minor >= 4:
		return StageCandidate
	case v.Minor >= 2:
		return StageBeta
	default:
		return StageAlpha
	}
}

// FeatureFlag is a capability that must only be used once every known replica runs a version supporting it
type FeatureFlag uint8

const (
	FeatureClockSync FeatureFlag = iota
	FeatureClientSessions
	FeatureRepairBudgets
	FeatureEwmaRepair
	FeatureLogScrubbing
	FeatureClusterReconfig
	FeatureRollingUpgrades
	FeatureStandbyReplicas
)

// AllFeatures lists every flag in declaration order
var AllFeatures = []FeatureFlag{
	FeatureClockSync,
	FeatureClientSessions,
	FeatureRepairBudgets,
	FeatureEwmaRepair,
	FeatureLogScrubbing,
	FeatureClusterReconfig,
	FeatureRollingUpgrades,
	FeatureStandbyReplicas,
}

func (f FeatureFlag) RequiredVersion() VersionInfo {
	return V0_4_0
}

func (f FeatureFlag) String() string {
	switch f {
	case FeatureClockSync:
		return "clock_sync"
	case FeatureClientSessions:
		return "client_sessions"
	case FeatureRepairBudgets:
		return "repair_budgets"
	case FeatureEwmaRepair:
		return "ewma_repair"
	case FeatureLogScrubbing:
		return "log_scrubbing"
	case FeatureClusterReconfig:
		return "cluster_reconfig"
	case FeatureRollingUpgrades:
		return "rolling_upgrades"
	case FeatureStandbyReplicas:
		return "standby_replicas"
	default:
		return "unknown"
	}
}

// UpgradeState tracks version announcements and the upgrade in flight. Feature activation is a pure function of
// ClusterVersion, so a rollback switches features off as soon as it is observed.
type UpgradeState struct {
	SelfVersion     VersionInfo
	ReplicaVersions map[ReplicaID]VersionInfo
	TargetVersion   *VersionInfo
	RollingBack     bool
}

func NewUpgradeState(self VersionInfo) *UpgradeState {
	return &UpgradeState{
		SelfVersion:     self,
		ReplicaVersions: make(map[ReplicaID]VersionInfo),
	}
}

// Observe records the version a replica announced. It reports whether the cluster version changed.
func (u *UpgradeState) Observe(id ReplicaID, version VersionInfo) bool {
	if version.IsZero() {
		return false
	}
	before := u.ClusterVersion()
	u.ReplicaVersions[id] = version
	changed := before != u.ClusterVersion()
	if u.IsUpgradeComplete() {
		u.TargetVersion = nil
	}
	if u.RollingBack && u.MaxVersion().Compare(u.SelfVersion) <= 0 {
		u.RollingBack = false
	}
	return changed
}

// Forget drops a replica, used once it left the configuration
func (u *UpgradeState) Forget(id ReplicaID) { delete(u.ReplicaVersions, id) }

// ClusterVersion is the minimum of self and every known replica
func (u *UpgradeState) ClusterVersion() VersionInfo {
	lowest := u.SelfVersion
	for _, v := range u.ReplicaVersions {
		if v.Less(lowest) {
			lowest = v
		}
	}
	return lowest
}

// MaxVersion is the highest version announced by anyone, self included
func (u *UpgradeState) MaxVersion() VersionInfo {
	highest := u.SelfVersion
	for _, v := range u.ReplicaVersions {
		if highest.Less(v) {
			highest = v
		}
	}
	return highest
}

// ProposeUpgrade sets the target version. No state changes when it is rejected.
func (u *UpgradeState) ProposeUpgrade(target VersionInfo) error {
	cluster := u.ClusterVersion()
	if !target.IsCompatibleWith(cluster) {
		return fmt.Errorf("%w: cannot upgrade from %s to %s", ErrIncompatibleVersion, cluster, target)
	}
	if u.TargetVersion != nil {
		return fmt.Errorf("%w: target %s", ErrUpgradeInProgress, *u.TargetVersion)
	}
	if target.Compare(cluster) <= 0 {
		return fmt.Errorf("%w: target %s, cluster %s", ErrVersionNotNewer, target, cluster)
	}
	u.TargetVersion = &target
	u.RollingBack = false
	return nil
}

// Announce changes the version this replica runs, e.g. after its binary was replaced
func (u *UpgradeState) Announce(version VersionInfo) error {
	if !version.IsCompatibleWith(u.SelfVersion) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrIncompatibleVersion, u.SelfVersion, version)
	}
	u.SelfVersion = version
	if u.IsUpgradeComplete() {
		u.TargetVersion = nil
	}
	return nil
}

// IsUpgradeComplete reports whether a target is set and the cluster reached it
func (u *UpgradeState) IsUpgradeComplete() bool {
	return u.TargetVersion != nil && u.ClusterVersion().Compare(*u.TargetVersion) >= 0
}

// Rollback lowers the local version, clears the target and marks the rollback in progress
func (u *UpgradeState) Rollback(to VersionInfo) error {
	if !to.IsCompatibleWith(u.SelfVersion) {
		return fmt.Errorf("%w: cannot roll back from %s to %s", ErrIncompatibleVersion, u.SelfVersion, to)
	}
	if to.Compare(u.SelfVersion) >= 0 {
		return fmt.Errorf("%w: %s is not below %s", ErrVersionNotOlder, to, u.SelfVersion)
	}
	u.SelfVersion = to
	u.TargetVersion = nil
	u.RollingBack = true
	return nil
}

func (u *UpgradeState) IsFeatureEnabled(f FeatureFlag) bool {
	return u.ClusterVersion().Compare(f.RequiredVersion()) >= 0
}

// EnabledFeatures returns the active flags in declaration order
func (u *UpgradeState) EnabledFeatures() []FeatureFlag {
	var enabled []FeatureFlag
	for _, f := range AllFeatures {
		if u.IsFeatureEnabled(f) {
			enabled = append(enabled, f)
		}
	}
	return enabled
}

// LaggingReplicas returns replicas still below the target, nil without a target
func (u *UpgradeState) LaggingReplicas() []ReplicaID {
	if u.TargetVersion == nil {
		return nil
	}
	var lagging []ReplicaID
	for id, v := range u.ReplicaVersions {
		if v.Less(*u.TargetVersion) {
			lagging = append(lagging, id)
		}
	}
	slices.Sort(lagging)
	return lagging
}

// VersionDistribution counts replicas per version, self included under selfID
func (u *UpgradeState) VersionDistribution(selfID ReplicaID) map[VersionInfo]int {
	dist := map[VersionInfo]int{u.SelfVersion: 1}
	for id, v := range u.ReplicaVersions {
		if id == selfID {
			continue
		}
		dist[v]++
	}
	return dist
}

// Snapshot returns the known versions of every replica except selfID, sorted by id
func (u *UpgradeState) Snapshot(selfID ReplicaID) []ReplicaVersion {
	out := make([]ReplicaVersion, 0, len(u.ReplicaVersions))
	for id, v := range u.ReplicaVersions {
		if id != selfID {
			out = append(out, ReplicaVersion{Replica: id, Version: v})
		}
	}
	slices.SortFunc(out, func(a, b ReplicaVersion) int { return cmp.Compare(a.Replica, b.Replica) })
	return out
}

// ReplicaVersion pairs a replica with the version it announced
type ReplicaVersion struct {
	Replica ReplicaID
	Version VersionInfo
}
