package cli

import (
	"errors"

	"go.uber.org/zap"

	"github.com/telekom/mail-dispatch/pkg/attachment"
	"github.com/telekom/mail-dispatch/pkg/audit"
	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/dispatch"
	"github.com/telekom/mail-dispatch/pkg/grouping"
	"github.com/telekom/mail-dispatch/pkg/mail"
	"github.com/telekom/mail-dispatch/pkg/record"
)

// components owns everything a run needs and releases it in Close.
type components struct {
	engine   *dispatch.Engine
	builder  *attachment.Builder
	recorder *audit.Recorder
}

func (c *components) Close() error {
	var errs []error
	if c.builder != nil {
		errs = append(errs, c.builder.Close())
	}
	if c.recorder != nil {
		errs = append(errs, c.recorder.Close())
	}
	return errors.Join(errs...)
}

func setupError(op string, err error) error {
	return &dispatch.FatalSetupError{Op: op, Err: err}
}

// buildComponents wires the engine from a validated configuration. No transport
// is created and no credentials are resolved in a dry run.
func buildComponents(cfg config.Config, log *zap.Logger) (_ *components, err error) {
	sugar := log.Sugar()
	c := &components{}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	policy, err := grouping.ParsePolicy(cfg.Grouping.MissingKey)
	if err != nil {
		return nil, setupError("configure grouping", err)
	}
	source, err := record.NewCSVSource(cfg.Source.Path, cfg.Source.Delimiter, sugar)
	if err != nil {
		return nil, setupError("configure source", err)
	}

	nameFields := cfg.Attachment.NameFields
	if len(nameFields) == 0 {
		nameFields = cfg.Mail.NameFields
	}
	c.builder, err = attachment.NewBuilder(attachment.Options{
		Dir:              cfg.Attachment.WorkDir,
		NameFields:       nameFields,
		Columns:          cfg.Attachment.Columns,
		FileNameTemplate: cfg.Attachment.FileName,
	}, sugar)
	if err != nil {
		return nil, setupError("configure attachments", err)
	}

	renderer, err := mail.NewBodyRenderer(mail.RendererOptions{
		NameFields:           cfg.Mail.NameFields,
		AddressField:         cfg.Mail.AddressField,
		SenderName:           cfg.Mail.SenderName,
		SubjectTemplate:      cfg.Mail.SubjectTemplate,
		BodyTemplatePath:     cfg.Mail.BodyTemplate,
		BodyTextTemplatePath: cfg.Mail.BodyTextTemplate,
	})
	if err != nil {
		return nil, setupError("configure templates", err)
	}

	var transport mail.Transport
	if !cfg.Dispatch.DryRun {
		password, err := cfg.Mail.ResolvePassword()
		if err != nil {
			return nil, setupError("resolve credentials", err)
		}
		t, err := mail.NewSMTPTransport(cfg.Mail, password, sugar)
		if err != nil {
			return nil, setupError("configure smtp", err)
		}
		transport = t
	}

	c.recorder, err = audit.NewFromConfig(cfg.Audit, log)
	if err != nil {
		return nil, setupError("configure audit", err)
	}

	c.engine, err = dispatch.New(dispatch.Options{
		KeyField:      cfg.Grouping.KeyField,
		MissingKey:    policy,
		AddressField:  cfg.Mail.AddressField,
		NameFields:    cfg.Mail.NameFields,
		SenderAddress: cfg.Mail.SenderAddress,
		SenderName:    cfg.Mail.SenderName,
		SendDelay:     cfg.Mail.SendDelay(),
		Workers:       cfg.Dispatch.Workers,
		DryRun:        cfg.Dispatch.DryRun,
	}, dispatch.Dependencies{
		Source:    source,
		Builder:   c.builder,
		Renderer:  renderer,
		Transport: transport,
		Auditor:   c.recorder,
	}, sugar)
	if err != nil {
		return nil, err
	}
	return c, nil
}
