// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package attachment

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"go.uber.org/zap"

	"github.com/telekom/mail-dispatch/pkg/grouping"
)

// DefaultFileNameTemplate renders "<name>.csv".
const DefaultFileNameTemplate = "{{.Name}}.csv"

// Options configures a Builder.
type Options struct {
	// Dir is the scratch directory. When empty a fresh temporary directory is
	// created and removed again by Close.
	Dir string
	// NameFields are read from the representative record to derive the file name.
	NameFields []string
	// Columns restricts and orders the written columns. Empty writes every field.
	Columns []string
	// FileNameTemplate is a text/template (with sprig functions) rendered with
	// .Name, .Key and .Rows. Defaults to DefaultFileNameTemplate.
	FileNameTemplate string
}

// FileNameParams is the data passed to the file name template.
type FileNameParams struct {
	Name string
	Key  string
	Rows int
}

// Builder turns groups into CSV attachments. File names are reserved per group
// for the lifetime of the Builder, so two groups never share a file name.
type Builder struct {
	dir      string
	ownsDir  bool
	opts     Options
	nameTmpl *template.Template
	log      *zap.SugaredLogger

	mu       sync.Mutex
	reserved map[string]string // file name -> group key
	byKey    map[string]string // group key -> file name
}

// NewBuilder validates the options and prepares the scratch directory.
func NewBuilder(opts Options, log *zap.SugaredLogger) (*Builder, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	raw := opts.FileNameTemplate
	if raw == "" {
		raw = DefaultFileNameTemplate
	}
	tmpl, err := template.New("fileName").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing attachment file name template: %w", err)
	}

	b := &Builder{
		opts:     opts,
		nameTmpl: tmpl,
		log:      log.Named("attachment"),
		reserved: make(map[string]string),
		byKey:    make(map[string]string),
	}
	if opts.Dir == "" {
		dir, err := os.MkdirTemp("", "mail-dispatch-*")
		if err != nil {
			return nil, fmt.Errorf("creating attachment scratch directory: %w", err)
		}
		b.dir, b.ownsDir = dir, true
	} else {
		if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating attachment directory %s: %w", opts.Dir, err)
		}
		b.dir = opts.Dir
	}
	return b, nil
}

// Dir returns the scratch directory attachments are written to.
func (b *Builder) Dir() string {
	return b.dir
}

// Build writes every record of g into a new CSV file. The caller owns the
// returned attachment and must Release it. On a write failure Build returns
// the partially written attachment together with the error so the caller can
// still release it.
func (b *Builder) Build(g grouping.Group) (*Attachment, error) {
	if g.Len() == 0 {
		return nil, fmt.Errorf("group %q has no records", g.Key)
	}
	fileName, err := b.fileName(g)
	if err != nil {
		return nil, err
	}

	// Each group gets its own subdirectory so the on-disk name can equal the
	// presented name without clashing with leftovers of an earlier run.
	groupDir, err := os.MkdirTemp(b.dir, "group-*")
	if err != nil {
		return nil, fmt.Errorf("creating group directory: %w", err)
	}
	path := filepath.Join(groupDir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		_ = os.Remove(groupDir)
		return nil, fmt.Errorf("creating attachment file: %w", err)
	}

	att := &Attachment{Path: path, FileName: fileName, dir: groupDir}
	rows, writeErr := b.write(f, g)
	closeErr := f.Close()
	att.Rows = rows
	if writeErr != nil {
		return att, fmt.Errorf("writing attachment for %q: %w", g.Key, writeErr)
	}
	if closeErr != nil {
		return att, fmt.Errorf("closing attachment for %q: %w", g.Key, closeErr)
	}

	b.log.Debugw("Attachment built", "key", g.Key, "file", fileName, "rows", rows)
	return att, nil
}

func (b *Builder) write(f *os.File, g grouping.Group) (int, error) {
	header := b.columns(g)
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return 0, err
	}
	rows := 0
	row := make([]string, len(header))
	for _, rec := range g.Records {
		for i, col := range header {
			row[i] = rec.Value(col)
		}
		if err := w.Write(row); err != nil {
			return rows, err
		}
		rows++
	}
	w.Flush()
	return rows, w.Error()
}

// columns returns the configured columns or the union of all record fields in
// first-seen order.
func (b *Builder) columns(g grouping.Group) []string {
	if len(b.opts.Columns) > 0 {
		return b.opts.Columns
	}
	seen := make(map[string]struct{})
	var cols []string
	for _, rec := range g.Records {
		for _, f := range rec.Fields() {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			cols = append(cols, f)
		}
	}
	return cols
}

// fileName derives a unique, deterministic name for g. Distinct groups whose
// names sanitize to the same string are told apart by the sanitized group key
// and, failing that, a sequence number.
func (b *Builder) fileName(g grouping.Group) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name, ok := b.byKey[g.Key]; ok {
		return name, nil
	}

	rep := g.Representative()
	parts := make([]string, 0, len(b.opts.NameFields))
	for _, f := range b.opts.NameFields {
		parts = append(parts, rep.Value(f))
	}
	base := baseName(parts)
	if base == "" {
		base = fallbackName
	}

	candidates := []string{base}
	if key := Sanitize(g.Key); key != "" && key != base {
		candidates = append(candidates, base+"_"+key)
	}
	last := candidates[len(candidates)-1]

	prev := ""
	for i := 0; ; i++ {
		candidate := last + "_" + strconv.Itoa(i-len(candidates)+2)
		if i < len(candidates) {
			candidate = candidates[i]
		}
		name, err := b.render(FileNameParams{Name: candidate, Key: g.Key, Rows: g.Len()})
		if err != nil {
			return "", err
		}
		if _, taken := b.reserved[name]; taken {
			if name == prev {
				return "", fmt.Errorf("attachment file name template yields %q for every candidate; it must use .Name", name)
			}
			prev = name
			continue
		}
		b.reserved[name] = g.Key
		b.byKey[g.Key] = name
		return name, nil
	}
}

func (b *Builder) render(p FileNameParams) (string, error) {
	var buf bytes.Buffer
	if err := b.nameTmpl.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("rendering attachment file name: %w", err)
	}
	name := strings.TrimSpace(buf.String())
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("attachment file name %q is not a plain file name", name)
	}
	return name, nil
}

// Close removes the scratch directory if the Builder created it. Directories
// supplied through Options.Dir are left in place.
func (b *Builder) Close() error {
	if !b.ownsDir {
		return nil
	}
	if err := os.RemoveAll(b.dir); err != nil {
		return fmt.Errorf("removing attachment scratch directory: %w", err)
	}
	return nil
}
