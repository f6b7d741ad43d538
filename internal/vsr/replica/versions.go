package replica

import (
	"vsr-engine/internal/vsr"
)

// ProposeUpgrade sets the version the cluster is moving to. Only the leader coordinates upgrades.
func (r *Replica) ProposeUpgrade(target vsr.VersionInfo) error {
	if err := r.checkUsable(); err != nil {
		return err
	}
	defer r.afterStep()
	if err := r.checkLeader(); err != nil {
		return err
	}
	if err := r.upgrade.ProposeUpgrade(target); err != nil {
		return err
	}
	plog.Infof("[%s] [VIEW-%d] upgrade to %s proposed, cluster at %s", r.id, r.view, target,
		r.upgrade.ClusterVersion())
	return nil
}

// AnnounceVersion switches the version this replica runs, peers learn it from the next acknowledgement or
// heartbeat
func (r *Replica) AnnounceVersion(v vsr.VersionInfo) error {
	if err := r.checkUsable(); err != nil {
		return err
	}
	defer r.afterStep()
	before := r.upgrade.ClusterVersion()
	if err := r.upgrade.Announce(v); err != nil {
		return err
	}
	plog.Infof("[%s] [VIEW-%d] now running %s", r.id, r.view, v)
	if after := r.upgrade.ClusterVersion(); after != before {
		plog.Infof("[%s] [VIEW-%d] cluster version is now %s", r.id, r.view, after)
	}
	if r.isLeader() {
		r.heartbeat()
	}
	return nil
}

// Rollback lowers the version this replica runs and cancels the upgrade in flight
func (r *Replica) Rollback(to vsr.VersionInfo) error {
	if err := r.checkUsable(); err != nil {
		return err
	}
	defer r.afterStep()
	if err := r.upgrade.Rollback(to); err != nil {
		return err
	}
	plog.Warningf("[%s] [VIEW-%d] rolled back to %s", r.id, r.view, to)
	if r.isLeader() {
		r.heartbeat()
	}
	return nil
}
