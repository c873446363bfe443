package session

import (
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/client/accounts"
	"github.com/dmitrijs2005/gophmarket/internal/client/backend"
)

// Identity is the authenticated principal.
type Identity struct {
	ID          string
	Email       string
	AccessToken string
	ExpiresAt   time.Time
}

func identityOf(s *backend.Session) *Identity {
	return &Identity{
		ID:          s.User.ID,
		Email:       s.User.Email,
		AccessToken: s.AccessToken(),
		ExpiresAt:   s.ExpiresAt(),
	}
}

type Address struct {
	Line1      string `json:"address_line1,omitempty"`
	Line2      string `json:"address_line2,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Profile is a row of the profiles table.
type Profile struct {
	ID        string        `json:"id"`
	Email     string        `json:"email"`
	FullName  string        `json:"full_name"`
	Kind      accounts.Kind `json:"account_kind"`
	AvatarURL string        `json:"avatar_url,omitempty"`
	Modules   []string      `json:"modules,omitempty"`
	Address
	UpdatedAt time.Time `json:"updated_at"`
}

// HasModule reports whether feature module name is enabled.
func (p *Profile) HasModule(name string) bool {
	if p == nil {
		return false
	}
	for _, m := range p.Modules {
		if m == name {
			return true
		}
	}
	return false
}

// ProfileUpdate is a partial profile write; nil fields are left untouched.
type ProfileUpdate struct {
	FullName  *string
	AvatarURL *string
	Modules   []string
	Address   *Address
}

func (u ProfileUpdate) row() backend.Row {
	row := backend.Row{}
	if u.FullName != nil {
		row["full_name"] = *u.FullName
	}
	if u.AvatarURL != nil {
		row["avatar_url"] = *u.AvatarURL
	}
	if u.Modules != nil {
		row["modules"] = u.Modules
	}
	if a := u.Address; a != nil {
		row["address_line1"] = a.Line1
		row["address_line2"] = a.Line2
		row["city"] = a.City
		row["postal_code"] = a.PostalCode
		row["country"] = a.Country
	}
	return row
}

// State is a snapshot of the manager. Identity, Profile and Session are nil
// while signed out.
type State struct {
	Identity *Identity
	Profile  *Profile
	Session  *backend.Session
	Loading  bool
	Accounts []accounts.Summary
}

func (s State) SignedIn() bool {
	return s.Identity != nil
}

func (s State) clone() State {
	s.Accounts = append([]accounts.Summary(nil), s.Accounts...)
	return s
}

func summaryOf(p *Profile, s *backend.Session, now time.Time) accounts.Summary {
	sum := accounts.Summary{
		ID:         s.User.ID,
		Email:      s.User.Email,
		Name:       p.FullName,
		Kind:       p.Kind,
		AvatarURL:  p.AvatarURL,
		LastUsedAt: now,
	}
	if p.Email != "" {
		sum.Email = p.Email
	}
	if sum.Kind == "" {
		sum.Kind = accounts.KindIndividual
	}
	return sum
}
