// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"context"
	"errors"
	"fmt"
)

// ErrSourceUnavailable is returned (wrapped) when the dataset cannot be opened or parsed.
var ErrSourceUnavailable = errors.New("record source unavailable")

// Source supplies the ordered rows of a dataset. Implementations read the
// whole dataset once; field names are stable across all returned records.
type Source interface {
	Read(ctx context.Context) ([]Record, error)
}

// Record is one row of the dataset. The zero value is an empty record.
type Record struct {
	fields []string
	values map[string]string
}

// New builds a record from a header and the matching cell values. Cells beyond
// the header are ignored; missing cells leave the field absent.
func New(fields, cells []string) Record {
	r := Record{
		fields: make([]string, 0, len(fields)),
		values: make(map[string]string, len(fields)),
	}
	for i, f := range fields {
		if i >= len(cells) {
			break
		}
		r.fields = append(r.fields, f)
		r.values[f] = cells[i]
	}
	return r
}

// FromMap builds a record with an explicit field order. Fields without a value
// in m are skipped.
func FromMap(order []string, m map[string]string) Record {
	r := Record{values: make(map[string]string, len(m))}
	for _, f := range order {
		v, ok := m[f]
		if !ok {
			continue
		}
		r.fields = append(r.fields, f)
		r.values[f] = v
	}
	return r
}

// Get returns the value of field and whether the field is present.
func (r Record) Get(field string) (string, bool) {
	v, ok := r.values[field]
	return v, ok
}

// Value returns the value of field or "" when absent.
func (r Record) Value(field string) string {
	return r.values[field]
}

// Fields returns a copy of the field names in source order.
func (r Record) Fields() []string {
	out := make([]string, len(r.fields))
	copy(out, r.fields)
	return out
}

// Map returns a copy of all field values.
func (r Record) Map() map[string]string {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Len returns the number of fields.
func (r Record) Len() int {
	return len(r.fields)
}

func (r Record) String() string {
	return fmt.Sprintf("%v", r.values)
}

// StaticSource serves records held in memory. It is used for previews and tests.
type StaticSource struct {
	Records []Record
	Err     error
}

// Read returns the configured records or the configured error wrapped in ErrSourceUnavailable.
func (s StaticSource) Read(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, s.Err)
	}
	out := make([]Record, len(s.Records))
	copy(out, s.Records)
	return out, nil
}
