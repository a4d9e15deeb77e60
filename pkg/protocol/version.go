package protocol

import (
	"fmt"

	"github.com/pzverkov/jericho/internal/constants"
)

// Version represents the protocol version.
type Version struct {
	Major uint8
	Minor uint8
}

// Current is the current protocol version.
var Current = Version{Major: constants.ProtocolVersionMajor, Minor: constants.ProtocolVersionMinor}

// IsCompatible returns true if this version is compatible with another version.
// Versions are compatible if they have the same major version.
func (v Version) IsCompatible(other Version) bool {
	return v.Major == other.Major
}

// String returns a string representation of the version.
func (v Version) String() string {
	return fmt.Sprintf("%s/%d.%d", constants.ProtocolName, v.Major, v.Minor)
}
