package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"

	"github.com/banking-audit-ledger/anchor/pkg/client"
)

const timeLayout = "2006-01-02 15:04:05Z07:00"

// render writes v in the selected --format. table is used for the table
// format only.
func render(w io.Writer, v any, table func(io.Writer) error) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so field names and raw payloads match the
		// json output.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return table(w)
	}
}

func logTable(w io.Writer, logs []client.Log) error {
	if len(logs) == 0 {
		_, err := fmt.Fprintln(w, "no records")
		return err
	}
	data := pterm.TableData{{"ID", "CREATED", "SOURCE", "EVENT", "STATUS", "ATTEMPTS", "TX"}}
	for _, l := range logs {
		data = append(data, []string{
			l.ID,
			l.CreatedAt.Format(timeLayout),
			l.Source,
			l.EventType,
			colorStatus(l.Status),
			strconv.Itoa(l.AttemptCount),
			short(deref(l.TxRef), 16),
		})
	}
	s, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, s)
	return err
}

func logDetail(w io.Writer, l *client.Log) error {
	data := pterm.TableData{
		{"ID", l.ID},
		{"Created", l.CreatedAt.Format(timeLayout)},
		{"Source", l.Source},
		{"Event type", l.EventType},
		{"Payload", string(l.Payload)},
		{"Digest", l.DigestAlg + ":" + l.Digest},
		{"Status", colorStatus(l.Status)},
		{"Attempts", strconv.Itoa(l.AttemptCount)},
	}
	if l.TxRef != nil {
		data = append(data, []string{"Tx ref", *l.TxRef})
	}
	if l.CommittedAt != nil {
		data = append(data, []string{"Committed", l.CommittedAt.Format(timeLayout)})
	}
	if l.NextAttemptAt != nil {
		data = append(data, []string{"Next attempt", l.NextAttemptAt.Format(timeLayout)})
	}
	if l.FailureReason != "" {
		data = append(data, []string{"Failure", l.FailureReason})
	}
	s, err := pterm.DefaultTable.WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, s)
	return err
}

func verdictBox(w io.Writer, v *client.Verification) error {
	var b strings.Builder
	fmt.Fprintf(&b, "record    %s\n", v.RecordID)
	fmt.Fprintf(&b, "status    %s\n", v.Status)
	fmt.Fprintf(&b, "tx        %s\n", orDash(deref(v.TxRef)))
	fmt.Fprintf(&b, "stored    %s\n", orDash(v.DigestStored))
	fmt.Fprintf(&b, "computed  %s\n", orDash(v.DigestOffchain))
	fmt.Fprintf(&b, "ledger    %s", orDash(v.DigestOnchain))
	if v.DigestProvided != "" {
		fmt.Fprintf(&b, "\nprovided  %s", v.DigestProvided)
	}
	if v.Detail != "" {
		fmt.Fprintf(&b, "\ndetail    %s", v.Detail)
	}

	title := pterm.LightGreen("| VALID |")
	if !v.IsValid {
		title = pterm.LightRed("| INVALID: " + v.Reason + " |")
	}
	box := pterm.DefaultBox.WithHorizontalPadding(2).WithTitle(title).WithTitleTopCenter()
	_, err := fmt.Fprintln(w, box.Sprint(b.String()))
	return err
}

func healthTable(w io.Writer, h *client.Health) error {
	names := make([]string, 0, len(h.Services))
	for name := range h.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	data := pterm.TableData{{"COMPONENT", "STATUS", "FAILURES", "LAST CHECK", "LAST ERROR"}}
	for _, name := range names {
		s := h.Services[name]
		last := "-"
		if !s.LastCheckedAt.IsZero() {
			last = s.LastCheckedAt.Format(timeLayout)
		}
		data = append(data, []string{name, colorStatus(s.Status), strconv.Itoa(s.ConsecutiveFailures), last, orDash(s.LastError)})
	}
	s, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "service: %s\n%s\n", colorStatus(h.Status), s)
	return err
}

func colorStatus(s string) string {
	switch s {
	case "committed", "healthy", "ok":
		return pterm.Green(s)
	case "failed", "degraded", "down":
		return pterm.Red(s)
	case "claimed":
		return pterm.Cyan(s)
	}
	return pterm.Yellow(s)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
