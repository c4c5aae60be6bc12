package mail

import (
	"bytes"
	_ "embed"
	"fmt"
	htmltemplate "html/template"
	"io"
	"os"
	"strings"
	texttemplate "text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/telekom/mail-dispatch/pkg/grouping"
	"github.com/telekom/mail-dispatch/pkg/record"
)

// DefaultSubject is used when no subject template is configured.
const DefaultSubject = "Your summary"

// BodyParams is the data every template is executed with.
type BodyParams struct {
	// Name is built from the configured name fields of the representative record.
	Name       string
	Key        string
	Address    string
	RowCount   int
	Fields     map[string]string
	SenderName string
	Subject    string
}

// Body is a rendered message with its subject, an HTML and a plain text part.
type Body struct {
	Subject string
	HTML    string
	Text    string
}

// RendererOptions configures a BodyRenderer.
type RendererOptions struct {
	NameFields      []string
	AddressField    string
	SenderName      string
	SubjectTemplate string
	// BodyTemplatePath optionally replaces the embedded HTML template.
	BodyTemplatePath string
	// BodyTextTemplatePath optionally replaces the embedded text template. When
	// only BodyTemplatePath is set the message carries no text/plain part.
	BodyTextTemplatePath string
}

var (
	defaultHTMLTemplate = htmltemplate.New("body")
	defaultTextTemplate = texttemplate.New("bodyText")

	//go:embed templates/body.html
	bodyTemplateRaw string
	//go:embed templates/body.txt
	bodyTextTemplateRaw string
)

func init() {
	if _, err := defaultHTMLTemplate.Funcs(sprig.FuncMap()).Parse(bodyTemplateRaw); err != nil {
		panic(err)
	}
	if _, err := defaultTextTemplate.Funcs(sprig.TxtFuncMap()).Parse(bodyTextTemplateRaw); err != nil {
		panic(err)
	}
}

// BodyRenderer produces the subject and body for a group. It performs no I/O
// after construction.
type BodyRenderer struct {
	opts    RendererOptions
	html    *htmltemplate.Template
	text    *texttemplate.Template
	subject *texttemplate.Template
}

// NewBodyRenderer parses the subject template and, if configured, the custom
// body template files.
func NewBodyRenderer(opts RendererOptions) (*BodyRenderer, error) {
	rawSubject := opts.SubjectTemplate
	if strings.TrimSpace(rawSubject) == "" {
		rawSubject = DefaultSubject
	}
	subject, err := texttemplate.New("subject").Funcs(sprig.TxtFuncMap()).Parse(rawSubject)
	if err != nil {
		return nil, fmt.Errorf("parsing subject template: %w", err)
	}

	r := &BodyRenderer{
		opts:    opts,
		html:    defaultHTMLTemplate,
		text:    defaultTextTemplate,
		subject: subject,
	}

	if opts.BodyTemplatePath != "" {
		raw, err := os.ReadFile(opts.BodyTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("reading body template %s: %w", opts.BodyTemplatePath, err)
		}
		custom, err := htmltemplate.New("customBody").Funcs(sprig.FuncMap()).Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("parsing body template %s: %w", opts.BodyTemplatePath, err)
		}
		r.html = custom
		// the embedded text would contradict a custom HTML body
		r.text = nil
	}
	if opts.BodyTextTemplatePath != "" {
		raw, err := os.ReadFile(opts.BodyTextTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("reading text body template %s: %w", opts.BodyTextTemplatePath, err)
		}
		custom, err := texttemplate.New("customBodyText").Funcs(sprig.TxtFuncMap()).Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("parsing text body template %s: %w", opts.BodyTextTemplatePath, err)
		}
		r.text = custom
	}
	return r, nil
}

// Params collects the template data for g from its representative record.
func (r *BodyRenderer) Params(g grouping.Group) BodyParams {
	rep := g.Representative()
	return BodyParams{
		Name:       DisplayName(rep, r.opts.NameFields),
		Key:        g.Key,
		Address:    strings.TrimSpace(rep.Value(r.opts.AddressField)),
		RowCount:   g.Len(),
		Fields:     rep.Map(),
		SenderName: r.opts.SenderName,
	}
}

// DisplayName joins the non-empty name fields of rec with a space.
func DisplayName(rec record.Record, nameFields []string) string {
	names := make([]string, 0, len(nameFields))
	for _, f := range nameFields {
		if v := strings.TrimSpace(rec.Value(f)); v != "" {
			names = append(names, v)
		}
	}
	return strings.Join(names, " ")
}

// Render produces the HTML and, unless disabled by a custom HTML template, the
// text body for g. The subject is rendered first so templates can refer to it.
func (r *BodyRenderer) Render(g grouping.Group) (Body, error) {
	p := r.Params(g)
	subject, err := render(r.subject, p)
	if err != nil {
		return Body{}, fmt.Errorf("rendering subject: %w", err)
	}
	p.Subject = strings.TrimSpace(subject)

	html, err := render(r.html, p)
	if err != nil {
		return Body{}, fmt.Errorf("rendering html body: %w", err)
	}
	body := Body{Subject: p.Subject, HTML: html}
	if r.text != nil {
		if body.Text, err = render(r.text, p); err != nil {
			return Body{}, fmt.Errorf("rendering text body: %w", err)
		}
	}
	return body, nil
}

// executor is satisfied by both html/template and text/template templates.
type executor interface {
	Execute(w io.Writer, data any) error
}

func render(t executor, p any) (string, error) {
	b := bytes.Buffer{}
	err := t.Execute(&b, p)
	return b.String(), err
}
