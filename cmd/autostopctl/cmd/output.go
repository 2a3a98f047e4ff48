package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/autostop/pkg/models"
)

// checkOutputFormat rejects formats render and renderOutcome cannot print
func checkOutputFormat(format string) error {
	switch format {
	case "table", "json", "yaml":
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (use table, json or yaml)", format)
	}
}

// render writes v as JSON or YAML. Table output is handled by the caller.
func render(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported output format %q (use table, json or yaml)", format)
	}
}

// renderOutcome prints an emergency stop outcome in the requested format
func renderOutcome(w io.Writer, format string, o models.Outcome) error {
	if format != "table" {
		return render(w, format, o)
	}

	fmt.Fprintf(w, "Status:     %s\n", o.Status)
	fmt.Fprintf(w, "Message:    %s\n", o.Message)
	if o.AlarmName != "" {
		fmt.Fprintf(w, "Alarm:      %s\n", o.AlarmName)
	}
	fmt.Fprintf(w, "Invocation: %s\n", o.InvocationID)
	fmt.Fprintf(w, "Timestamp:  %s\n", o.Timestamp.Format(time.RFC3339))
	if o.PartialFailure {
		fmt.Fprintln(w, "WARNING: one or more resources could not be stopped")
	}

	if len(o.Results) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	table := tablewriter.NewWriter(w)
	table.Header("Resource", "Target", "Status", "Detail", "Services")
	for _, r := range o.Results {
		detail := r.Detail
		if r.ErrorCode != "" {
			detail = fmt.Sprintf("[%s] %s", r.ErrorCode, detail)
		}
		table.Append(r.Resource, r.Target, string(r.Status), detail, strings.Join(r.Services, ", "))
	}
	return table.Render()
}
