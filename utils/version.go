package utils

import (
	"strings"

	"github.com/hashicorp/go-version"
)

// VersionStatus classifies a peer's protocol version against ours.
type VersionStatus string

const (
	VersionCurrent      VersionStatus = "current"
	VersionOutdated     VersionStatus = "outdated"
	VersionNewer        VersionStatus = "newer"
	VersionIncompatible VersionStatus = "incompatible"
	VersionUnknown      VersionStatus = "unknown"
)

// ProtocolPolicy holds the version requirements for peers
type ProtocolPolicy struct {
	Current      string
	MinSupported string
}

// CheckProtocolVersion compares a peer version against the policy. Peers are
// compatible when their major version matches ours and they are not below
// MinSupported.
func CheckProtocolVersion(peerVersion string, policy ProtocolPolicy) (status VersionStatus, compatible bool) {
	// Clean version string (remove 'v' prefix if present)
	peerVersion = strings.TrimPrefix(strings.TrimSpace(peerVersion), "v")

	peerVer, err := version.NewVersion(peerVersion)
	if err != nil {
		return VersionUnknown, false
	}

	current, err := version.NewVersion(strings.TrimPrefix(policy.Current, "v"))
	if err != nil {
		return VersionUnknown, false
	}

	if minSupported, err := version.NewVersion(strings.TrimPrefix(policy.MinSupported, "v")); err == nil {
		if peerVer.LessThan(minSupported) {
			return VersionIncompatible, false
		}
	}

	if peerVer.Segments()[0] != current.Segments()[0] {
		return VersionIncompatible, false
	}

	switch {
	case peerVer.LessThan(current):
		return VersionOutdated, true
	case peerVer.GreaterThan(current):
		return VersionNewer, true
	}
	return VersionCurrent, true
}
