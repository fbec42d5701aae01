package models

import "time"

// Profile is the identity-linked contact record, one-to-one with users.
// Its id equals the identity id it belongs to.
type Profile struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	FullName  string    `db:"full_name" json:"full_name"`
	Phone     string    `db:"phone" json:"phone"`
	Role      UserRole  `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ProfileUpdate carries the caller-editable profile fields.
type ProfileUpdate struct {
	FullName string `json:"full_name" validate:"required"`
	Phone    string `json:"phone"`
}
