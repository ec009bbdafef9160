// Package epoxy replicates a small key-value state machine with EPaxos.
//
// Every replica leads proposals for its own instances. A proposal
// pre-accepts at a fast quorum and commits in one round trip when all
// replies agree on its sequence number and dependencies; otherwise the
// merged attributes go through a Paxos accept round at a simple majority.
// Committed instances are executed in dependency order: strongly
// connected components first, then (seq, replica, slot) inside each.
//
// Instances that block execution for longer than the recovery timeout are
// taken over by explicit prepare with a higher ballot.
//
// Membership is owned by the coordinator workflow, which bumps the epoch
// and broadcasts the ClusterConfig on every change. New replicas join as
// learners, download the committed log from the active replicas and are
// then marked active. Admin talks to the coordinator.
//
// Replicas talk over HTTP (NewHandler, HTTPTransport) or, in tests and
// single-process setups, through LocalTransport.
package epoxy
