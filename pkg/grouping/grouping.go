// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package grouping

import (
	"errors"
	"fmt"
	"strings"

	"github.com/telekom/mail-dispatch/pkg/record"
)

// ErrMissingKeyField is returned under PolicyAbort when a record lacks the identity field.
var ErrMissingKeyField = errors.New("record is missing the identity field")

// MissingKeyPolicy decides what happens to records without an identity value.
type MissingKeyPolicy string

const (
	// PolicySkip drops such records and counts them in Result.Dropped.
	PolicySkip MissingKeyPolicy = "skip"
	// PolicyAbort fails the whole grouping.
	PolicyAbort MissingKeyPolicy = "abort"
)

// ParsePolicy maps a configuration value to a policy. Empty means PolicySkip.
func ParsePolicy(s string) (MissingKeyPolicy, error) {
	switch MissingKeyPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySkip:
		return PolicySkip, nil
	case PolicyAbort:
		return PolicyAbort, nil
	default:
		return "", fmt.Errorf("unknown missing key policy %q (want skip or abort)", s)
	}
}

// Group holds every record sharing one identity value, in source order.
type Group struct {
	Key     string
	Records []record.Record
}

// Representative returns the first record of the group. Name and address
// fields are read from it.
func (g Group) Representative() record.Record {
	if len(g.Records) == 0 {
		return record.Record{}
	}
	return g.Records[0]
}

// Len returns the number of rows in the group.
func (g Group) Len() int {
	return len(g.Records)
}

// Result is the output of Index.
type Result struct {
	Groups []Group
	// Dropped counts records skipped under PolicySkip.
	Dropped int
	// DroppedRows holds the zero-based source positions of dropped records.
	DroppedRows []int
}

// Records returns the records of all groups concatenated in group order.
func (r *Result) Records() []record.Record {
	var out []record.Record
	for _, g := range r.Groups {
		out = append(out, g.Records...)
	}
	return out
}

// Index groups records by the value of key. Group order is the order of the
// first appearance of each value; record order within a group follows the input.
// A record whose key field is absent or blank is handled by policy.
func Index(records []record.Record, key string, policy MissingKeyPolicy) (*Result, error) {
	if key == "" {
		return nil, errors.New("identity field name is empty")
	}
	res := &Result{}
	positions := make(map[string]int)

	for i, rec := range records {
		value, ok := rec.Get(key)
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			if policy == PolicyAbort {
				return nil, fmt.Errorf("%w %q at row %d", ErrMissingKeyField, key, i)
			}
			res.Dropped++
			res.DroppedRows = append(res.DroppedRows, i)
			continue
		}

		pos, seen := positions[value]
		if !seen {
			pos = len(res.Groups)
			positions[value] = pos
			res.Groups = append(res.Groups, Group{Key: value})
		}
		res.Groups[pos].Records = append(res.Groups[pos].Records, rec)
	}
	return res, nil
}
