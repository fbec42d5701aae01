package models

import "time"

// StudentStatus represents the lifecycle of a student record.
type StudentStatus string

const (
	StudentStatusActive   StudentStatus = "active"
	StudentStatusInactive StudentStatus = "inactive"
)

// Student is the learner record, created lazily on first enrollment.
// At most one exists per user identity (unique user_id).
type Student struct {
	ID            string        `db:"id" json:"id"`
	UserID        string        `db:"user_id" json:"user_id"`
	School        string        `db:"school" json:"school"`
	GuardianName  string        `db:"guardian_name" json:"guardian_name"`
	GuardianPhone string        `db:"guardian_phone" json:"guardian_phone"`
	PreviousGrade string        `db:"previous_grade" json:"previous_grade"`
	Status        StudentStatus `db:"status" json:"status"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// StudentDetail joins the student with its profile for admin listings.
type StudentDetail struct {
	Student
	Email    string `db:"email" json:"email"`
	FullName string `db:"full_name" json:"full_name"`
	Phone    string `db:"phone" json:"phone"`
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	Search    string
	Status    StudentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// StudentUpdate carries admin-editable student fields.
type StudentUpdate struct {
	School        string        `json:"school"`
	GuardianName  string        `json:"guardian_name"`
	GuardianPhone string        `json:"guardian_phone"`
	Status        StudentStatus `json:"status" validate:"omitempty,oneof=active inactive"`
}
