package replica

import (
	"fmt"

	"vsr-engine/internal/vsr"
)

// ProposeReconfig starts a joint-consensus membership change. The replica is Joint from the moment the entry is
// prepared until it commits, then moves to the new configuration.
func (r *Replica) ProposeReconfig(cmd vsr.ReconfigCommand) (vsr.OpNumber, error) {
	if err := r.checkUsable(); err != nil {
		return 0, err
	}
	defer r.afterStep()
	return r.proposeReconfig(cmd, vsr.ClientMetadata{})
}

func (r *Replica) proposeReconfig(cmd vsr.ReconfigCommand, client vsr.ClientMetadata) (vsr.OpNumber, error) {
	if err := r.checkLeader(); err != nil {
		return 0, err
	}
	if !r.upgrade.IsFeatureEnabled(vsr.FeatureClusterReconfig) {
		return 0, fmt.Errorf("%w: %s at %s", ErrFeatureDisabled, vsr.FeatureClusterReconfig, r.upgrade.ClusterVersion())
	}
	if r.reconfig.IsJoint() {
		return 0, fmt.Errorf("%w: %s", ErrReconfigInProgress, r.reconfig)
	}
	if err := r.checkPipeline(); err != nil {
		return 0, err
	}
	next, err := cmd.Apply(r.reconfig.Old)
	if err != nil {
		return 0, err
	}

	op := r.op + 1
	r.reconfig = vsr.NewJointState(r.reconfig.Old, next, op)
	r.reconfigOp = op
	r.markDirty()
	plog.Infof("[%s] [VIEW-%d] proposing %s at op %d, entering %s", r.id, r.view, cmd, op, r.reconfig)
	return r.prepare(vsr.ReconfigurationCommand(cmd), client)
}

// adoptReconfigEntry enters the joint phase when a reconfiguration entry is appended beyond the position the
// reconfiguration state already reflects
func (r *Replica) adoptReconfigEntry(e vsr.LogEntry) {
	if e.Command.Kind != vsr.CommandReconfig || e.Op <= r.reconfigOp {
		return
	}
	r.reconfigOp = e.Op
	if r.reconfig.IsJoint() {
		plog.Warningf("[%s] [VIEW-%d] reconfiguration at op %d while %s", r.id, r.view, e.Op, r.reconfig)
		return
	}
	next, err := e.Command.Reconfig.Apply(r.reconfig.Old)
	if err != nil {
		plog.Warningf("[%s] [VIEW-%d] cannot apply reconfiguration at op %d: %v", r.id, r.view, e.Op, err)
		return
	}
	r.reconfig = vsr.NewJointState(r.reconfig.Old, next, e.Op)
	r.markDirty()
	plog.Infof("[%s] [VIEW-%d] entered %s", r.id, r.view, r.reconfig)
	if r.reconfig.ReadyToTransition(r.commit) {
		r.completeReconfig()
	}
}

// adoptReconfigState installs the reconfiguration state that came with a history ending at op
func (r *Replica) adoptReconfigState(s vsr.ReconfigState, op vsr.OpNumber) {
	r.reconfigOp = op
	if s.Equal(r.reconfig) {
		return
	}
	plog.Infof("[%s] [VIEW-%d] adopting %s, was %s", r.id, r.view, s, r.reconfig)
	r.reconfig = s
	r.markDirty()
	if !s.IsJoint() {
		r.history.Record(s.Old)
	}
	switch {
	case s.ReadyToTransition(r.commit):
		r.completeReconfig()
	case !s.Contains(r.id):
		r.retire()
	}
}

// completeReconfig leaves the joint phase once the reconfiguration entry committed
func (r *Replica) completeReconfig() {
	prev := r.reconfig
	next, err := prev.TransitionToNew()
	if err != nil {
		return
	}
	r.reconfig = next
	r.markDirty()
	r.history.Record(next.Old)
	for _, id := range prev.AllReplicas().Replicas() {
		if !next.Contains(id) {
			r.upgrade.Forget(id)
			r.budget.Forget(id)
		}
	}
	plog.Infof("[%s] [VIEW-%d] configuration %s committed at op %d", r.id, r.view, next.Old, prev.JointOp)
	if !next.Contains(r.id) {
		r.retire()
		return
	}
	if prev.LeaderOf(r.view) != next.LeaderOf(r.view) {
		r.leaderChanged = true
	}
}
