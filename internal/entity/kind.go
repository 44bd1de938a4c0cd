// Package entity describes the tenant-scoped tables kept in sync between the primary and
// secondary stores.
package entity

import (
	"fmt"
	"strings"
)

// Kind identifies one synchronized table
type Kind int

const (
	KindSchool Kind = iota + 1
	KindUser
	KindClass
	KindStaff
	KindStudent
	KindStudentAttendance
	KindStaffAttendance
	KindFee
	KindTimetable
	KindPayment
)

var kindNames = map[Kind]string{
	KindSchool:            "school",
	KindUser:              "user",
	KindClass:             "class",
	KindStaff:             "staff",
	KindStudent:           "student",
	KindStudentAttendance: "student_attendance",
	KindStaffAttendance:   "staff_attendance",
	KindFee:               "fee",
	KindTimetable:         "timetable",
	KindPayment:           "payment",
}

// String returns the stable name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind resolves a kind from its name
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown entity kind %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
