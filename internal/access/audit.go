package access

import (
	"github.com/go-pkgz/lgr"
)

// Audit helpers route security-relevant events to the log at elevated
// severity with source address and the attempted resource. Wire-visible
// error messages stay sanitized; the detail lives here only.

// AuditTraversal records a path traversal attempt.
func AuditTraversal(src, session, resource string) {
	lgr.Printf("[WARN] audit: path traversal attempt src=%s session=%s path=%q", src, session, resource)
}

// AuditWriteDenied records a rejected write.
func AuditWriteDenied(src, session, resource, reason string) {
	lgr.Printf("[WARN] audit: write denied src=%s session=%s path=%q reason=%s", src, session, resource, reason)
}

// AuditAuthFailure records a failed authentication attempt.
func AuditAuthFailure(src, user, reason string) {
	lgr.Printf("[WARN] audit: authentication failure src=%s user=%s reason=%s", src, user, reason)
}

// AuditLockout records a source entering rate-limit lockout.
func AuditLockout(src string) {
	lgr.Printf("[WARN] audit: rate limit lockout src=%s", src)
}

// AuditAuthSuccess records a successful authentication.
func AuditAuthSuccess(src, user, session string) {
	lgr.Printf("[INFO] audit: authenticated src=%s user=%s session=%s", src, user, session)
}
