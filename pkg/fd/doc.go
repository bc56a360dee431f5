// Package fd watches the group from outside the membership protocol.
//
// Detector exchanges heartbeats with the members of the current view and
// reports members that fall silent as suspects. MergeDetector lets
// coordinators advertise their views to addresses outside their view and
// starts a merge when it learns of another coordinator.
package fd
