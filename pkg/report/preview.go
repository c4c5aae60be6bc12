package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/telekom/mail-dispatch/pkg/dispatch"
)

// WritePreview prints rendered messages. Table output shows each message as a
// block with headers and the plain text body.
func WritePreview(w io.Writer, format Format, previews []dispatch.Preview) error {
	if format != FormatTable && format != FormatWide {
		return WriteObject(w, format, previews)
	}
	for i, p := range previews {
		if i > 0 {
			_, _ = fmt.Fprintln(w, strings.Repeat("-", 72))
		}
		_, _ = fmt.Fprintf(w, "Key:        %s\n", p.Key)
		_, _ = fmt.Fprintf(w, "To:         %s\n", dash(p.Address))
		_, _ = fmt.Fprintf(w, "Rows:       %d\n", p.RowCount)
		if p.Status != "" {
			_, _ = fmt.Fprintf(w, "Status:     %s (%s)\n", p.Status, p.Reason)
			continue
		}
		_, _ = fmt.Fprintf(w, "Subject:    %s\n", p.Subject)
		_, _ = fmt.Fprintf(w, "Attachment: %s\n", p.AttachmentName)
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, strings.TrimRight(p.Text, "\n"))
		if format == FormatWide {
			_, _ = fmt.Fprintln(w)
			_, _ = fmt.Fprintln(w, strings.TrimRight(p.HTML, "\n"))
		}
	}
	return nil
}
