package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/telekom/mail-dispatch/pkg/dispatch"
)

// WriteSummary prints the run summary. Table output lists the totals
// followed by one line per group; failed groups show their reason.
func WriteSummary(w io.Writer, format Format, s *dispatch.Summary) error {
	switch format {
	case FormatTable, FormatWide:
		writeTotals(w, s)
		if len(s.Results) == 0 {
			return nil
		}
		_, _ = fmt.Fprintln(w)
		if format == FormatWide {
			writeResultTableWide(w, s.Results)
		} else {
			writeResultTable(w, s.Results)
		}
		return nil
	default:
		return WriteObject(w, format, s)
	}
}

func writeTotals(w io.Writer, s *dispatch.Summary) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "RUN\t%s\n", s.RunID)
	if s.DryRun {
		_, _ = fmt.Fprintln(tw, "MODE\tdry run")
	}
	_, _ = fmt.Fprintf(tw, "GROUPS\t%d\n", s.TotalGroups)
	_, _ = fmt.Fprintf(tw, "PROCESSED\t%d\n", s.Processed)
	_, _ = fmt.Fprintf(tw, "SENT\t%d\n", s.Counts.Sent)
	_, _ = fmt.Fprintf(tw, "SKIPPED\t%d\n", s.Counts.Skipped)
	_, _ = fmt.Fprintf(tw, "FAILED\t%d\n", s.Counts.Failed)
	if s.Dropped > 0 {
		_, _ = fmt.Fprintf(tw, "DROPPED_RECORDS\t%d\n", s.Dropped)
	}
	if s.Interrupted {
		_, _ = fmt.Fprintf(tw, "INTERRUPTED\t%d group(s) not attempted\n", s.TotalGroups-s.Processed)
	}
	_, _ = fmt.Fprintf(tw, "ELAPSED\t%s\n", s.Elapsed().Round(time.Millisecond))
	_ = tw.Flush()
}

func writeResultTable(w io.Writer, results []dispatch.Result) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tADDRESS\tROWS\tSTATUS\tREASON")
	for _, r := range results {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.Key, dash(r.Address), r.RowCount, r.Status, dash(r.Reason))
	}
	_ = tw.Flush()
}

func writeResultTableWide(w io.Writer, results []dispatch.Result) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tNAME\tADDRESS\tROWS\tATTACHMENT\tSTATUS\tSTAGE\tKIND\tATTEMPTS\tDURATION\tREASON")
	for _, r := range results {
		attempts := "-"
		if r.Attempts > 0 {
			attempts = fmt.Sprintf("%d", r.Attempts)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Key, dash(r.Name), dash(r.Address), r.RowCount, dash(r.AttachmentName), r.Status,
			dash(string(r.Stage)), dash(r.ErrorKind), attempts, r.Duration.Round(time.Millisecond), dash(r.Reason))
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
