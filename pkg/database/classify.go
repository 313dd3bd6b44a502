package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/lib/pq"

	"github.com/kosherhub/kosherhub/pkg/apperrors"
)

// StatementKind is the coarse classification of a SQL statement
type StatementKind string

const (
	StatementSelect StatementKind = "SELECT"
	StatementInsert StatementKind = "INSERT"
	StatementUpdate StatementKind = "UPDATE"
	StatementDelete StatementKind = "DELETE"
	StatementOther  StatementKind = "OTHER"
)

// ClassifyStatement determines the kind of a SQL statement. Leading
// whitespace and comments are skipped; WITH chains are resolved to the
// first top-level DML keyword after the CTE list.
func ClassifyStatement(query string) StatementKind {
	token := firstKeyword(query)
	switch token {
	case "SELECT":
		return StatementSelect
	case "INSERT":
		return StatementInsert
	case "UPDATE":
		return StatementUpdate
	case "DELETE":
		return StatementDelete
	case "WITH":
		return classifyAfterCTE(query)
	default:
		return StatementOther
	}
}

// firstKeyword returns the first SQL keyword, upper-cased, with leading
// whitespace and -- or /* */ comments stripped.
func firstKeyword(query string) string {
	s := query
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		switch {
		case strings.HasPrefix(s, "--"):
			if idx := strings.IndexByte(s, '\n'); idx != -1 {
				s = s[idx+1:]
				continue
			}
			return ""
		case strings.HasPrefix(s, "/*"):
			if idx := strings.Index(s, "*/"); idx != -1 {
				s = s[idx+2:]
				continue
			}
			return ""
		}
		break
	}
	end := 0
	for end < len(s) {
		ch := s[end]
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_' {
			end++
			continue
		}
		break
	}
	return strings.ToUpper(s[:end])
}

// classifyAfterCTE scans past the CTE list of a WITH statement and
// classifies the first DML keyword at parenthesis depth zero.
func classifyAfterCTE(query string) StatementKind {
	depth := 0
	upper := strings.ToUpper(query)
	for i := 0; i < len(upper); i++ {
		switch upper[i] {
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth != 0 || !isWordStart(upper, i) {
				continue
			}
			switch {
			case wordAt(upper, i, "SELECT"):
				return StatementSelect
			case wordAt(upper, i, "INSERT"):
				return StatementInsert
			case wordAt(upper, i, "UPDATE"):
				return StatementUpdate
			case wordAt(upper, i, "DELETE"):
				return StatementDelete
			}
		}
	}
	return StatementOther
}

func isWordStart(s string, i int) bool {
	if i == 0 {
		return true
	}
	prev := s[i-1]
	return !(prev >= 'A' && prev <= 'Z') && prev != '_'
}

// wordAt reports whether the keyword occupies a whole word at position i
func wordAt(s string, i int, word string) bool {
	if !strings.HasPrefix(s[i:], word) {
		return false
	}
	j := i + len(word)
	if j >= len(s) {
		return true
	}
	ch := s[j]
	return !((ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '_')
}

// Transient pq error classes and codes: connection failures, resource
// exhaustion, serialization conflicts, and operator shutdowns clear up on
// retry; everything else in the SQLSTATE space is treated as permanent.
var transientPQCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout)
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// IsTransient reports whether an error is expected to clear on retry
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if transientPQCodes[code] {
			return true
		}
		// Class 08: connection exceptions. Class 53: insufficient resources.
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53")
	}
	return false
}

// ClassifyError maps a driver error onto the platform error kinds:
// transient infrastructure failures become retryable service_unavailable,
// constraint violations become conflict, missing relations and syntax
// errors are internal (permanent) faults.
func ClassifyError(err error, query string) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return apperrors.ServiceUnavailable("database temporarily unavailable").WithCause(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case code == "23505": // unique_violation
			return apperrors.Conflict("record already exists").WithCause(err)
		case strings.HasPrefix(code, "23"): // other integrity violations
			return apperrors.Validation("constraint violation: " + pqErr.Constraint).WithCause(err)
		case strings.HasPrefix(code, "22"): // data exceptions
			return apperrors.Validation("invalid data: " + pqErr.Message).WithCause(err)
		}
	}
	return apperrors.Internal("query failed: " + QueryShape(query)).WithCause(err)
}

// QueryShape reduces a statement to a loggable shape: collapsed whitespace,
// truncated to a bounded length. Parameter values never appear because the
// platform only ever logs the statement text, not its bindings.
func QueryShape(query string) string {
	fields := strings.Fields(query)
	shape := strings.Join(fields, " ")
	const maxShape = 200
	if len(shape) > maxShape {
		return shape[:maxShape] + "…"
	}
	return shape
}
