package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/status"
	"github.com/canonica-labs/querycache/pkg/models"
)

func (c *CLI) outputJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errorOutput is the JSON form of a failed command.
func errorOutput(err error) models.ErrorResponse {
	resp := models.ErrorResponse{Error: err.Error(), Code: int(errors.CodeOf(err))}
	if base, ok := errors.BaseOf(err); ok {
		resp.Error = base.Message
		resp.Reason = base.Reason
		resp.Suggestion = base.Suggestion
	}
	return resp
}

// printStatement renders a statement result: rows as a table, other
// statements as their command tag.
func (c *CLI) printStatement(res *models.StatementResponse) {
	if c.jsonOutput {
		c.outputJSON(res)
		return
	}
	if c.quiet {
		return
	}

	if len(res.Columns) > 0 {
		w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
		seps := make([]string, len(res.Columns))
		for i, col := range res.Columns {
			seps[i] = strings.Repeat("-", len(col))
		}
		fmt.Fprintln(w, strings.Join(seps, "\t"))
		for _, row := range res.Rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = formatValue(v)
			}
			fmt.Fprintln(w, strings.Join(cells, "\t"))
		}
		w.Flush()
		c.printf("(%d row%s)\n", res.RowCount, plural(res.RowCount))
	} else if res.Message != "" {
		c.println(res.Message)
	}

	if c.debug {
		c.debugf("statement %s: %s via %s in %s\n", res.StatementID, res.Kind, res.Destination, res.Duration)
	}
	if res.CacheName != "" {
		note := fmt.Sprintf("cache %s (%s)", res.CacheName, res.CacheState)
		if res.Fallback {
			note += ", served upstream"
		}
		c.errorf("-- %s\n", note)
	}
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		// JSON numbers decode as float64; print integers without a
		// fraction.
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	}
	return fmt.Sprintf("%v", v)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}

func sortedKeys(m map[string]status.ComponentStatus) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
