package protocol

import "fmt"

// Version is a protocol capability level. Every feature is gated by the
// level it was introduced at.
type Version int

// Protocol versions.
const (
	// Initial protocol.
	Initial Version = 1
	// NextModuleInfo lets the operator forward next module address to a
	// connecting module.
	NextModuleInfo Version = 2
	// SharedSignalStorage lets local peers exchange blocks in shared memory.
	SharedSignalStorage Version = 3

	// Current is the highest supported version.
	Current = SharedSignalStorage
)

// Negotiate returns effective version of two peers.
func Negotiate(local, remote Version) Version {
	if remote < local {
		return remote
	}
	return local
}

// Provides reports whether feature is available at this version.
func (v Version) Provides(feature Version) bool {
	return v >= feature
}

// Features returns a bitset of features available at this version. Bit
// n-2 is set for feature level n.
func (v Version) Features() uint32 {
	var f uint32
	for level := NextModuleInfo; level <= Current && level <= v; level++ {
		f |= 1 << uint(level-NextModuleInfo)
	}
	return f
}

func (v Version) String() string {
	switch v {
	case Initial:
		return "1 (initial)"
	case NextModuleInfo:
		return "2 (next module info)"
	case SharedSignalStorage:
		return "3 (shared signal storage)"
	}
	return fmt.Sprintf("%d", int(v))
}
