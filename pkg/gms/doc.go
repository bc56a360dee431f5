// Package gms implements group membership: agreeing on an ordered list of
// members (a view) as processes join, leave, are suspected, or come back
// together after a partition.
//
// Only the coordinator, the first member of the current view, computes new
// views. Every other member forwards membership changes to it. Requests
// reach the coordinator's ViewHandler, which coalesces bursts of requests
// into a single view change. Partitioned groups are reunited by the Merger.
//
// A GMS talks to its peers only through a Transport and receives their
// messages through Receive. Failure detection sits outside the package and
// reports through Suspect.
package gms
