package booking

// Gate decides whether a caller may move a booking to a target status.
type Gate interface {
	CanTransition(caller Caller, b Booking, target Status) bool
}

// OwnershipGate lets the booking's subscriber, its provider and any admin
// apply transitions. Subscriber and provider have the same rights; the
// target status does not narrow them.
type OwnershipGate struct{}

func (OwnershipGate) CanTransition(caller Caller, b Booking, _ Status) bool {
	return CanView(caller, b)
}

// CanView reports whether the caller is a party to the booking or an admin.
func CanView(caller Caller, b Booking) bool {
	if caller.ID == "" {
		return false
	}
	switch caller.Role {
	case RoleAdmin:
		return true
	case RoleSubscriber, RoleProvider:
		return caller.ID == string(b.SubscriberID) || caller.ID == string(b.ProviderID)
	}
	return false
}
