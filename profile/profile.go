// Package profile stores user profiles and answers whether a user has
// finished the profile-completion wizard.
package profile

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/uptrace/bun"
)

// ErrNotFound is returned when no profile exists for a uid.
var ErrNotFound = errors.New("profile not found")

// Required fields, named as the frontend names them.
const (
	FieldDisplayName          = "displayName"
	FieldUniversityName       = "universityName"
	FieldUniversityDepartment = "universityDepartment"
	FieldGraduationYear       = "graduationYear"
)

const maxTextLen = 100

// Profile is a user's stored profile, keyed by identity-provider uid.
type Profile struct {
	bun.BaseModel `bun:"table:profiles,alias:p" json:"-"`

	UID                  string    `bun:"uid,pk" json:"uid"`
	Email                string    `bun:"email" json:"email,omitempty"`
	DisplayName          string    `bun:"display_name" json:"displayName,omitempty"`
	PhotoURL             string    `bun:"photo_url" json:"photoURL,omitempty"`
	UniversityName       string    `bun:"university_name" json:"universityName,omitempty"`
	UniversityDepartment string    `bun:"university_department" json:"universityDepartment,omitempty"`
	GraduationYear       int       `bun:"graduation_year" json:"graduationYear,omitempty"`
	IsStudent            bool      `bun:"is_student" json:"isStudent"`
	ProfileCompleted     bool      `bun:"profile_completed" json:"profileCompleted"`
	EmailVerified        bool      `bun:"email_verified" json:"emailVerified"`
	CreatedAt            time.Time `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt            time.Time `bun:"updated_at,notnull" json:"updatedAt"`
}

// MissingFields lists the required fields that are still empty.
func (p *Profile) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(p.DisplayName) == "" {
		missing = append(missing, FieldDisplayName)
	}
	if strings.TrimSpace(p.UniversityName) == "" {
		missing = append(missing, FieldUniversityName)
	}
	if strings.TrimSpace(p.UniversityDepartment) == "" {
		missing = append(missing, FieldUniversityDepartment)
	}
	if p.GraduationYear == 0 {
		missing = append(missing, FieldGraduationYear)
	}
	return missing
}

// Completed reports whether the wizard flag is set or every required field
// is filled in.
func (p *Profile) Completed() bool {
	return p.ProfileCompleted || len(p.MissingFields()) == 0
}

// Status is the completion summary served to the frontend.
type Status struct {
	Exists        bool     `json:"exists"`
	Completed     bool     `json:"completed"`
	MissingFields []string `json:"missingFields"`
}

// StatusOf summarizes p; a nil profile reports the whole profile missing.
func StatusOf(p *Profile) Status {
	if p == nil {
		return Status{MissingFields: []string{"profile"}}
	}
	missing := p.MissingFields()
	if missing == nil {
		missing = []string{}
	}
	return Status{Exists: true, Completed: p.Completed(), MissingFields: missing}
}

// Update is a partial profile change; nil fields are left alone.
type Update struct {
	DisplayName          *string `json:"displayName"`
	PhotoURL             *string `json:"photoURL"`
	UniversityName       *string `json:"universityName"`
	UniversityDepartment *string `json:"universityDepartment"`
	GraduationYear       *int    `json:"graduationYear"`
	IsStudent            *bool   `json:"isStudent"`
	ProfileCompleted     *bool   `json:"profileCompleted"`
}

// Validate rejects values the wizard would never send.
func (u Update) Validate() error {
	for name, v := range map[string]*string{
		FieldDisplayName:          u.DisplayName,
		FieldUniversityName:       u.UniversityName,
		FieldUniversityDepartment: u.UniversityDepartment,
		"photoURL":                u.PhotoURL,
	} {
		if v != nil && utf8.RuneCountInString(*v) > maxTextLen {
			return fmt.Errorf("%s: longer than %d characters", name, maxTextLen)
		}
	}
	if u.GraduationYear != nil && (*u.GraduationYear < 1950 || *u.GraduationYear > 2100) {
		return fmt.Errorf("%s: %d out of range", FieldGraduationYear, *u.GraduationYear)
	}
	return nil
}

// Apply copies the set fields onto p.
func (u Update) Apply(p *Profile) {
	if u.DisplayName != nil {
		p.DisplayName = strings.TrimSpace(*u.DisplayName)
	}
	if u.PhotoURL != nil {
		p.PhotoURL = strings.TrimSpace(*u.PhotoURL)
	}
	if u.UniversityName != nil {
		p.UniversityName = strings.TrimSpace(*u.UniversityName)
	}
	if u.UniversityDepartment != nil {
		p.UniversityDepartment = strings.TrimSpace(*u.UniversityDepartment)
	}
	if u.GraduationYear != nil {
		p.GraduationYear = *u.GraduationYear
	}
	if u.IsStudent != nil {
		p.IsStudent = *u.IsStudent
	}
	if u.ProfileCompleted != nil {
		p.ProfileCompleted = *u.ProfileCompleted
	}
}
