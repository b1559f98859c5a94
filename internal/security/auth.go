package security

import (
	"crypto/tls"

	"github.com/flux-framework/flux-broker-core/internal/errkind"
	"github.com/flux-framework/flux-broker-core/internal/message"
)

// localUserID is the synthetic user id CredentialForOverlay assigns to
// every overlay peer.
const localUserID uint32 = 0

// CredentialForOverlay derives a Credential for a peer on the overlay
// transport. The TLS connection state is not inspected: every overlay peer
// gets UserID localUserID and the role mask RoleUser, since overlay peers
// are never granted RoleOwner (only a node's own local clients can be, via
// CredentialForLocal's owner argument).
func CredentialForOverlay(state tls.ConnectionState) message.Credential {
	return message.Credential{UserID: localUserID, Rolemask: message.RoleUser}
}

// CredentialForLocal derives a Credential for a connection accepted on the
// local client transport (a Unix domain socket). uid is the connecting
// process's effective user id, as internal/transport reads it off the
// socket's peer credentials.
func CredentialForLocal(uid uint32, owner bool) message.Credential {
	role := message.RoleLocal | message.RoleUser
	if owner {
		role |= message.RoleOwner
	}
	return message.Credential{UserID: uid, Rolemask: role}
}

// Authorize checks that cred is permitted to act as targetUID, per spec.md
// §4.1's "requester must be the owner or the message originator" rule:
// RoleOwner may act as anyone; otherwise the credential's own UserID must
// match.
func Authorize(cred message.Credential, targetUID uint32) error {
	if cred.Rolemask.Has(message.RoleOwner) {
		return nil
	}
	if cred.UserID == targetUID {
		return nil
	}
	return errkind.New(errkind.AuthDenied, "uid %d may not act as uid %d", cred.UserID, targetUID)
}
