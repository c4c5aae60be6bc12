// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package attachment

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Attachment is a transient file derived from exactly one group.
type Attachment struct {
	// Path is the location of the file on disk.
	Path string
	// FileName is the name presented to the recipient.
	FileName string
	// Rows is the number of data rows written, excluding the header.
	Rows int

	dir      string
	mu       sync.Mutex
	released bool
}

// Release deletes the file. It is safe to call more than once and on a
// partially written attachment; a file that is already gone is not an error.
func (a *Attachment) Release() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing attachment %s: %w", a.Path, err)
	}
	if a.dir != "" {
		if err := os.Remove(a.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing attachment directory %s: %w", a.dir, err)
		}
	}
	a.released = true
	return nil
}

// Exists reports whether the backing file is still present.
func (a *Attachment) Exists() bool {
	if a == nil {
		return false
	}
	_, err := os.Stat(a.Path)
	return err == nil
}
