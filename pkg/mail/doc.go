// Package mail renders the per-recipient message body and subject and sends
// the composed message with its attachment over SMTP, including retry logic
// and transport error classification.
package mail
