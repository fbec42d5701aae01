package models

import "time"

// ClassStatus represents whether a class accepts enrollments.
type ClassStatus string

const (
	ClassStatusActive   ClassStatus = "active"
	ClassStatusArchived ClassStatus = "archived"
)

// Class is a subject offering students enroll into. (year_level, subject)
// is unique: the enrollment workflow resolves a class by subject alone.
type Class struct {
	ID          string      `db:"id" json:"id"`
	Name        string      `db:"name" json:"name"`
	YearLevel   int         `db:"year_level" json:"year_level"`
	Subject     string      `db:"subject" json:"subject"`
	Description string      `db:"description" json:"description"`
	Price       float64     `db:"price" json:"price"`
	Capacity    int         `db:"capacity" json:"capacity"`
	Status      ClassStatus `db:"status" json:"status"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// ClassFilter defines filter criteria for listing classes.
type ClassFilter struct {
	Subject   string
	YearLevel int
	Status    ClassStatus
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
