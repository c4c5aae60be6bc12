// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

const utf8BOM = "\ufeff"

// CSVSource reads records from a delimited text file whose first row is the header.
type CSVSource struct {
	Path      string
	Delimiter rune
	log       *zap.SugaredLogger
}

// NewCSVSource creates a CSV source. An empty delimiter defaults to ','.
func NewCSVSource(path, delimiter string, log *zap.SugaredLogger) (*CSVSource, error) {
	d := ','
	if delimiter != "" {
		r, size := utf8.DecodeRuneInString(delimiter)
		if r == utf8.RuneError || size != len(delimiter) {
			return nil, fmt.Errorf("invalid delimiter %q: must be a single character", delimiter)
		}
		d = r
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &CSVSource{Path: path, Delimiter: d, log: log.Named("csv-source")}, nil
}

// Read opens the file and parses every row.
func (s *CSVSource) Read(ctx context.Context) ([]Record, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrSourceUnavailable, s.Path, err)
	}
	defer func() { _ = f.Close() }()

	records, err := s.parse(ctx, f)
	if err != nil {
		return nil, err
	}
	s.log.Infow("Dataset read", "path", s.Path, "records", len(records))
	return records, nil
}

func (s *CSVSource) parse(ctx context.Context, in io.Reader) ([]Record, error) {
	reader := csv.NewReader(in)
	reader.Comma = s.Delimiter
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s is empty", ErrSourceUnavailable, s.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read header of %s: %v", ErrSourceUnavailable, s.Path, err)
	}
	fields, err := cleanHeader(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.Path, err)
	}

	var records []Record
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrSourceUnavailable, s.Path, perr.StartLine, perr.Err)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.Path, err)
		}
		if isBlank(row) {
			continue
		}
		if len(row) != len(fields) {
			// physical line, quoted cells may span several
			line, _ := reader.FieldPos(0)
			s.log.Debugw("Row width differs from header", "line", line, "cells", len(row), "fields", len(fields))
		}
		records = append(records, New(fields, row))
	}
	return records, nil
}

// cleanHeader trims whitespace, strips quotes and the UTF-8 BOM, and rejects
// empty or duplicate field names.
func cleanHeader(header []string) ([]string, error) {
	fields := make([]string, len(header))
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		h = strings.TrimSpace(strings.ReplaceAll(h, `"`, ""))
		if h == "" {
			return nil, fmt.Errorf("header column %d is empty", i+1)
		}
		if _, dup := seen[h]; dup {
			return nil, fmt.Errorf("duplicate header %q", h)
		}
		seen[h] = struct{}{}
		fields[i] = h
	}
	return fields, nil
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
