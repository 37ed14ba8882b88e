// Package audit records administrative changes to the hub in the
// audit_logs table: device registrations, updates and deletions, password
// changes and access keys issued from the command line.
//
// Messages (notifications and commands) are not audited; they have their
// own history.
package audit
