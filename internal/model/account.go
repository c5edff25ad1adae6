package model

import "time"

// Account is a local user identity. Name is the local display identifier
// (it may double as the login) and Email is the externally routable
// address. Either side may be empty until reconciled by a download.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Address returns the address mail for this account is stored under:
// the email when known, the name otherwise.
func (a Account) Address() string {
	if a.Email != "" {
		return a.Email
	}
	return a.Name
}
