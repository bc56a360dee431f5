// Package membership holds the value types shared by every member of a
// zephyrgms group: member addresses, versioned views, digests and merge ids.
//
// Values are treated as immutable once published. Methods that return
// slices or maps hand back copies, so a *View or Digest obtained from a
// running GMS can be read from any goroutine without locking.
package membership
