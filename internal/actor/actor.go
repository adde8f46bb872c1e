package actor

// Type discriminates the two kinds of authenticated callers.
type Type string

const (
	TypeUser    Type = "user"
	TypeService Type = "service"
)

// Actor is the authenticated identity resolved by the transport layer before
// any policy check runs. Users are identified by DID, services by name.
// Actors are ephemeral: reconstructed per request, never persisted.
type Actor struct {
	Type Type
	DID  string
	Name string
}

// User returns an actor for the given DID.
func User(did string) Actor {
	return Actor{Type: TypeUser, DID: did}
}

// Service returns an actor for the given service name.
func Service(name string) Actor {
	return Actor{Type: TypeService, Name: name}
}

// Property looks up the named attribute used as the left-hand side of policy
// conditions. The second return reports whether the actor carries the
// attribute at all, which the diagnostic build uses to catch swapped
// condition keys.
func (a Actor) Property(name string) (any, bool) {
	switch name {
	case "did":
		if a.Type != TypeUser {
			return nil, false
		}
		return a.DID, true
	case "name":
		if a.Type != TypeService {
			return nil, false
		}
		return a.Name, true
	case "type":
		return string(a.Type), true
	}
	return nil, false
}
