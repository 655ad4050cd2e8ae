package daemon

import (
	"fmt"
	"net"
	"os/user"
	"strconv"
	"strings"
)

// PeerInfo is the identity of the process on the other end of a Unix-domain
// socket, as far as the kernel will tell us (nix-daemon.cc's PeerInfo).
type PeerInfo struct {
	PIDKnown bool
	PID      int
	UIDKnown bool
	UID      int
	GIDKnown bool
	GID      int
}

// TrustPolicy decides whether a connecting peer is trusted or allowed to
// connect at all, mirroring nix-daemon.cc's trustedUsers/allowedUsers/
// buildUsersGroup settings.
type TrustPolicy struct {
	TrustedUsers    []string
	AllowedUsers    []string
	BuildUsersGroup string
}

// DefaultTrustPolicy allows any peer and trusts none of them, the safe
// default for a daemon with no explicit configuration.
func DefaultTrustPolicy() TrustPolicy {
	return TrustPolicy{AllowedUsers: []string{"*"}}
}

// matchUser reports whether user or group appears in users, honoring the
// "*" wildcard and "@group" membership syntax nix-daemon.cc's matchUser
// implements.
func matchUser(userName, group string, users []string) bool {
	for _, u := range users {
		if u == "*" || u == userName {
			return true
		}
	}

	for _, u := range users {
		if !strings.HasPrefix(u, "@") {
			continue
		}

		wantGroup := u[1:]
		if wantGroup == group {
			return true
		}

		gr, err := user.LookupGroup(wantGroup)
		if err != nil {
			continue
		}

		u, err := user.Lookup(userName)
		if err != nil {
			continue
		}

		groupIDs, err := u.GroupIds()
		if err != nil {
			continue
		}

		for _, gid := range groupIDs {
			if gid == gr.Gid {
				return true
			}
		}
	}

	return false
}

// Classify resolves peer's uid/gid to names and applies the trust policy,
// returning the resolved username and trust level, or an error if the peer
// isn't allowed to connect at all (nix-daemon.cc's daemonLoop body).
func (p TrustPolicy) Classify(peer PeerInfo) (userName string, trust TrustLevel, err error) {
	userName = strconv.Itoa(peer.UID)
	if peer.UIDKnown {
		if u, lerr := user.LookupId(strconv.Itoa(peer.UID)); lerr == nil {
			userName = u.Username
		}
	}

	group := strconv.Itoa(peer.GID)
	if peer.GIDKnown {
		if g, lerr := user.LookupGroupId(strconv.Itoa(peer.GID)); lerr == nil {
			group = g.Name
		}
	}

	trusted := matchUser(userName, group, p.TrustedUsers)

	allowed := []string{"*"}
	if p.AllowedUsers != nil {
		allowed = p.AllowedUsers
	}

	if !trusted && !matchUser(userName, group, allowed) {
		return "", TrustUnknown, fmt.Errorf("user %q is not allowed to connect to the daemon", userName)
	}

	if p.BuildUsersGroup != "" && group == p.BuildUsersGroup {
		return "", TrustUnknown, fmt.Errorf("user %q belongs to the build users group and may not connect directly", userName)
	}

	if trusted {
		return userName, TrustTrusted, nil
	}

	return userName, TrustNotTrusted, nil
}

// GetPeerInfo returns the identity of the process on the other end of conn,
// if the platform and socket type support it. Non-Unix-domain connections,
// or platforms without a peer-credential mechanism, report an unknown peer
// rather than erroring: trust then falls back to whatever the TrustPolicy's
// "*" wildcard decides.
func GetPeerInfo(conn net.Conn) (PeerInfo, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return PeerInfo{}, nil
	}

	return getPeerInfoUnix(unixConn)
}
