package store

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a keyed row does not exist
var ErrNotFound = errors.New("row not found")

// ErrorClass separates failures worth retrying from ones that would fail identically again
type ErrorClass int

const (
	// ClassNone means no error
	ClassNone ErrorClass = iota
	// ClassConnectivity covers timeouts, refused or reset connections and unreachable hosts
	ClassConnectivity
	// ClassLogical covers constraint violations, missing rows and any other failure
	ClassLogical
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConnectivity:
		return "connectivity"
	default:
		return "logical"
	}
}

// ConnectivityError marks an error as a connectivity failure regardless of its text
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string { return "store unreachable: " + e.Err.Error() }

func (e *ConnectivityError) Unwrap() error { return e.Err }

var connectivityPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"connection closed",
	"conn closed",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"host is unreachable",
	"no route to host",
	"failed to connect",
	"dial tcp",
	"server closed the connection",
	"unexpected eof",
	"database is locked",
	"too many connections",
}

// Classify returns the class of a store error
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return ClassLogical
	}
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return ClassConnectivity
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassConnectivity
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) {
		return ClassConnectivity
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassConnectivity
	}
	msg := strings.ToLower(err.Error())
	for _, p := range connectivityPatterns {
		if strings.Contains(msg, p) {
			return ClassConnectivity
		}
	}
	return ClassLogical
}

// classifySQLState maps PostgreSQL error codes: class 08 connection exceptions, 57P0x
// shutdowns and 53300 too_many_connections are connectivity failures
func classifySQLState(code string) ErrorClass {
	switch {
	case strings.HasPrefix(code, "08"):
		return ClassConnectivity
	case code == "57P01", code == "57P02", code == "57P03", code == "53300":
		return ClassConnectivity
	}
	return ClassLogical
}

// IsConnectivity reports whether err is a connectivity failure
func IsConnectivity(err error) bool {
	return Classify(err) == ClassConnectivity
}

// IsNotFound reports whether err means the keyed row does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
