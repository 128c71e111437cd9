// Package rooms tracks which local connections belong to which rooms.
//
// # Membership
//
// A room exists while it has at least one member, except the dashboard
// room which always exists. Join and Leave are idempotent. LeaveAll is
// called once per connection on teardown.
//
// # Snapshots
//
// MembersOf copies the member set under a read lock. Callers iterate the
// copy, so a member that leaves mid-dispatch may still receive the event
// being dispatched, and one that joins mid-dispatch may miss it.
package rooms
