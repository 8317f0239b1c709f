package models

// Role identifies which side of an order an actor is on.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleFarmer   Role = "farmer"
	RoleAdmin    Role = "admin"
)

// Actor is the customer or fulfilling party the engine acts for.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (a Actor) Valid() bool {
	if a.ID == "" {
		return false
	}
	switch a.Role {
	case RoleCustomer, RoleFarmer, RoleAdmin:
		return true
	}
	return false
}

// Owns reports whether the actor is a party to the order.
func (a Actor) Owns(o Order) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RoleCustomer:
		return o.CustomerID == a.ID
	case RoleFarmer:
		return o.FarmerID == a.ID
	}
	return false
}
