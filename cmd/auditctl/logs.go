package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/banking-audit-ledger/anchor/pkg/client"
)

// ── create ───────────────────────────────────────────────────────────────────

var (
	createID          string
	createSource      string
	createEventType   string
	createPayload     string
	createPayloadFile string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Ingest one audit event",
	Long: `Create stores an event and queues its digest for anchoring.

  auditctl create --source core-banking --event-type transfer \
      --payload '{"from":"acc-1","to":"acc-2","amount":250}'

Use --payload-file - to read the payload from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(cmd.InOrStdin())
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		rec, err := c.CreateLog(cmd.Context(), client.CreateLogRequest{
			ID:        createID,
			Source:    createSource,
			EventType: createEventType,
			Payload:   payload,
		})
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), rec, func(w io.Writer) error { return logDetail(w, rec) })
	},
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&createID, "id", "", "record ID (UUID); generated by the service when empty")
	f.StringVar(&createSource, "source", "", "originating system")
	f.StringVar(&createEventType, "event-type", "", "event type, e.g. transfer")
	f.StringVar(&createPayload, "payload", "", "event payload as a JSON object")
	f.StringVar(&createPayloadFile, "payload-file", "", "read the payload from a file, or - for stdin")
	_ = createCmd.MarkFlagRequired("source")
	_ = createCmd.MarkFlagRequired("event-type")
	createCmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
}

// readPayload returns the payload as raw JSON. Numbers are kept as written so
// the service sees the caller's exact decimal text.
func readPayload(stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	switch {
	case createPayloadFile == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		data = b
	case createPayloadFile != "":
		b, err := os.ReadFile(createPayloadFile)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		data = b
	case createPayload != "":
		data = []byte(createPayload)
	default:
		return nil, errors.New("one of --payload or --payload-file is required")
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one audit record and its anchoring state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rec, err := c.GetLog(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), rec, func(w io.Writer) error { return logDetail(w, rec) })
	},
}

// ── list ─────────────────────────────────────────────────────────────────────

var (
	listOpts client.ListOptions
	listAll  bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit records, newest first",
	Long: `List prints one page of records. With --all every page is fetched from
the same snapshot, so records ingested meanwhile do not shift the pages.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		if !listAll {
			page, err := c.ListLogs(cmd.Context(), listOpts)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), page, func(w io.Writer) error {
				if err := logTable(w, page.Logs); err != nil {
					return err
				}
				_, err := fmt.Fprintf(w, "page %d of %d, %d records as of %s\n",
					page.Page, page.TotalPages, page.Total, page.AsOf.Format(timeLayout))
				return err
			})
		}

		var logs []client.Log
		err = c.WalkLogs(cmd.Context(), listOpts, func(l client.Log) error {
			logs = append(logs, l)
			return nil
		})
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), logs, func(w io.Writer) error { return logTable(w, logs) })
	},
}

func init() {
	f := listCmd.Flags()
	f.IntVar(&listOpts.Page, "page", 1, "page number")
	f.IntVar(&listOpts.PageSize, "page-size", 10, "records per page (max 100)")
	f.StringVar(&listOpts.Source, "source", "", "only records from this source")
	f.StringVar(&listOpts.EventType, "event-type", "", "only records of this event type")
	f.BoolVar(&listAll, "all", false, "fetch every page")
}

// ── health ───────────────────────────────────────────────────────────────────

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the health of the service and its dependencies",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		h, err := c.Health(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), h, func(w io.Writer) error { return healthTable(w, h) })
	},
}
