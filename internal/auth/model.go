package auth

import "time"

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Account is the shared credential record. Exactly one of Buyer/Seller is
// set, selected by Role.
type Account struct {
	ID              string
	Email           string
	PasswordHash    string
	FirstName       string
	MiddleName      string
	LastName        string
	Role            Role
	Active          bool
	Locked          bool
	PasswordExpired bool
	InvalidAttempts int
	PasswordUpdated time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Buyer  *BuyerProfile
	Seller *SellerProfile
}

type BuyerProfile struct {
	PhoneNumber string
}

type SellerProfile struct {
	CompanyName    string
	CompanyContact string
	GSTNumber      string
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}
