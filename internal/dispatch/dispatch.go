// Package dispatch delivers one formatted record as an email. Both error
// kinds it returns are per-message: the worker logs them and keeps
// listening.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rpmautosales/inquiry-notifier/internal/instance"
	"github.com/rpmautosales/inquiry-notifier/internal/pglisten"
)

// Sink delivers one record for one instance.
type Sink interface {
	Send(ctx context.Context, cfg instance.Config, rec pglisten.Record) error
}

// AuthError means no valid token could be obtained, or the delivery API
// rejected the one we had.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "auth failure: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// DeliveryError means the delivery call itself was rejected or timed out.
type DeliveryError struct {
	Status int // 0 when the call never got a response
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("delivery failed with status %d: %v", e.Status, e.Err)
	}
	return "delivery failed: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// SubjectFor derives the mail subject from the watched table.
func SubjectFor(table string) string {
	switch table {
	case "inquiries":
		return "New inquiry received"
	case "quote_requests":
		return "New quote request received"
	default:
		return "New " + strings.ReplaceAll(table, "_", " ") + " record received"
	}
}

// FormatBody renders the record as one "column: value" line per column,
// in table column order.
func FormatBody(rec pglisten.Record) string {
	cols := rec.Columns
	if len(cols) == 0 {
		// Records built by hand (tests, fakes) may carry values only.
		cols = make([]string, 0, len(rec.Values))
		for name := range rec.Values {
			cols = append(cols, name)
		}
		sort.Strings(cols)
	}

	var b strings.Builder
	for _, name := range cols {
		v := rec.Values[name]
		if v == nil {
			fmt.Fprintf(&b, "%s:\n", name)
			continue
		}
		fmt.Fprintf(&b, "%s: %v\n", name, v)
	}
	return b.String()
}
