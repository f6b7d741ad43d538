package server

import (
	"vsr-engine/internal/pubsub"
	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/replica"
)

// Address is the network address of a replica
type Address string

// Node lifecycle events, published on the node's pubsub.Broker
const (
	// NodeShutDown carries an empty struct and is the last event a node publishes
	NodeShutDown pubsub.EventType = iota
	// ViewChanged carries a ViewChangedPayload whenever the view or the status of the replica changed
	ViewChanged
	// Committed carries the replica.Applied of every committed op, in op order
	Committed
	// ReconfigChanged carries the new vsr.ReconfigState when the replica enters or leaves the joint phase
	ReconfigChanged
	// Retired carries an empty struct once the replica was removed from the configuration
	Retired
	// Halted carries the error the replica halted with
	Halted
)

// ViewChangedPayload travels with ViewChanged events
type ViewChangedPayload struct {
	Replica vsr.ReplicaID
	View    vsr.ViewNumber
	Status  vsr.Status
	Leader  vsr.ReplicaID
}

// progress is what the node compares after every step to decide which events to publish
type progress struct {
	view     vsr.ViewNumber
	status   vsr.Status
	reconfig vsr.ReconfigState
	retired  bool
}

func progressOf(r *replica.Replica) progress {
	return progress{view: r.View(), status: r.Status(), reconfig: r.Reconfig(), retired: r.Retired()}
}
