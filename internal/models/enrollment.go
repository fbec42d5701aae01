package models

import "time"

// PaymentStatus tracks the enrollment payment lifecycle. The only
// transition is pending to completed; there is no cancellation or refund.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
)

// Enrollment links a student to a class carrying payment and activation
// state. The entrance number starts as a placeholder token and is replaced
// with a permanent value only after payment confirmation.
type Enrollment struct {
	ID              string        `db:"id" json:"id"`
	StudentID       string        `db:"student_id" json:"student_id"`
	ClassID         string        `db:"class_id" json:"class_id"`
	PaymentStatus   PaymentStatus `db:"payment_status" json:"payment_status"`
	IsActive        bool          `db:"is_active" json:"is_active"`
	EntranceNumber  string        `db:"entrance_number" json:"entrance_number"`
	PaymentIntentID *string       `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	PaymentDate     *time.Time    `db:"payment_date" json:"payment_date,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
}

// EnrollmentDetail enriches Enrollment with class and student context.
type EnrollmentDetail struct {
	Enrollment
	ClassName    string  `db:"class_name" json:"class_name"`
	Subject      string  `db:"subject" json:"subject"`
	YearLevel    int     `db:"year_level" json:"year_level"`
	Price        float64 `db:"price" json:"price"`
	StudentName  string  `db:"student_name" json:"student_name"`
	StudentEmail string  `db:"student_email" json:"student_email"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID     string
	ClassID       string
	PaymentStatus PaymentStatus
	Page          int
	PageSize      int
	SortBy        string
	SortOrder     string
}

// AdminStats is the admin dashboard aggregate.
type AdminStats struct {
	TotalStudents     int `db:"total_students" json:"total_students"`
	TotalClasses      int `db:"total_classes" json:"total_classes"`
	TotalEnrollments  int `db:"total_enrollments" json:"total_enrollments"`
	CompletedPayments int `db:"completed_payments" json:"completed_payments"`
}
