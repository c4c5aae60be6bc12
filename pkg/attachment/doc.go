// Package attachment renders the rows of one recipient group into a CSV file
// that is sent as the email attachment and released after the send attempt.
package attachment
