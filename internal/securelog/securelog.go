// Package securelog logs protocol failures without echoing user data:
// invite tokens, tags and identities never appear in full.
package securelog

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"strings"
)

// Error logs an error without including user-provided data.
// It records the caller location and error type chain plus the sentinel
// message of the innermost error, which never carries user input.
func Error(context string, err error) {
	if err == nil {
		return
	}
	loc := callerLocation(2)
	types := strings.Join(errorTypes(err), "->")
	if context == "" {
		log.Printf("error at %s types=%s", loc, types)
		return
	}
	log.Printf("error at %s context=%s types=%s cause=%q", loc, context, types, rootMessage(err))
}

// Dropped records a message or delivery that was discarded on purpose, such
// as a fire-and-forget send that failed or a stale join error.
func Dropped(context, reason string) {
	log.Printf("dropped context=%s reason=%s", context, reason)
}

// Infof logs a lifecycle event. Arguments must already be redacted.
func Infof(format string, args ...any) {
	log.Printf(format, args...)
}

// Redact shortens a secret-ish value (tag, token, identity) to a prefix and
// its length.
func Redact(value string) string {
	if value == "" {
		return "<empty>"
	}
	if len(value) <= 4 {
		return fmt.Sprintf("****(%d)", len(value))
	}
	return fmt.Sprintf("%s…(%d)", value[:4], len(value))
}

func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	msg := err.Error()
	if i := strings.Index(msg, ":"); i > 0 {
		msg = msg[:i]
	}
	return msg
}

func callerLocation(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d %s", file, line, name)
}

func errorTypes(err error) []string {
	types := []string{}
	seen := map[string]struct{}{}
	for err != nil {
		name := fmt.Sprintf("%T", err)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			types = append(types, name)
		}
		err = errors.Unwrap(err)
	}
	return types
}
