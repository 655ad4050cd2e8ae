//go:build !linux

package daemon

import "net"

// getPeerInfoUnix has no SO_PEERCRED/LOCAL_PEERCRED implementation outside
// Linux in this repo; callers fall back to an unknown peer and whatever the
// TrustPolicy's wildcard rule decides.
func getPeerInfoUnix(conn *net.UnixConn) (PeerInfo, error) {
	return PeerInfo{}, nil
}
