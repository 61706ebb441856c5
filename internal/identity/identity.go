// ABOUTME: Typed user identity distinguishing anonymous visitors from registered accounts
// ABOUTME: Anonymous ids carry the reserved "anon_" prefix and are never persisted as users

package identity

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// AnonymousPrefix marks client-generated ids that do not belong to a stored user.
const AnonymousPrefix = "anon_"

// ErrEmptyID is returned when parsing an empty user id.
var ErrEmptyID = errors.New("user id is required")

// Kind tells anonymous and registered identities apart.
type Kind int

const (
	KindAnonymous Kind = iota + 1
	KindRegistered
)

func (k Kind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

// Identity is an owner of sessions. The zero value is not a valid identity.
type Identity struct {
	kind Kind
	id   string
}

// Parse classifies a raw user id by its prefix.
func Parse(userID string) (Identity, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Identity{}, ErrEmptyID
	}
	if strings.HasPrefix(userID, AnonymousPrefix) {
		if len(userID) == len(AnonymousPrefix) {
			return Identity{}, ErrEmptyID
		}
		return Identity{kind: KindAnonymous, id: userID}, nil
	}
	return Identity{kind: KindRegistered, id: userID}, nil
}

// NewAnonymous mints a fresh anonymous identity.
func NewAnonymous() Identity {
	return Identity{kind: KindAnonymous, id: AnonymousPrefix + uuid.New().String()}
}

// Registered wraps the id of a stored user account.
func Registered(userID string) Identity {
	return Identity{kind: KindRegistered, id: userID}
}

func (i Identity) ID() string        { return i.id }
func (i Identity) Kind() Kind        { return i.kind }
func (i Identity) IsAnonymous() bool { return i.kind == KindAnonymous }
func (i Identity) IsRegistered() bool {
	return i.kind == KindRegistered
}
func (i Identity) IsZero() bool   { return i.id == "" }
func (i Identity) String() string { return i.id }
