// Package cmdutil holds helpers shared by the steward subcommands.
package cmdutil

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"steward/cmd/steward/ui"
	"steward/pkg/sdk/client"
	"steward/pkg/sdk/types"

	"github.com/spf13/cobra"
)

// Connect dials stewardd on socketPath, or on the default socket when empty.
func Connect(socketPath string) (*client.Client, error) {
	if strings.TrimSpace(socketPath) == "" {
		socketPath = client.DefaultSocketPath()
	}
	return client.NewUnix(socketPath)
}

// Run connects and hands the client to fn, closing it afterwards.
func Run(socketPath *string, fn func(*cobra.Command, []string, client.API) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := Connect(*socketPath)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(cmd, args, c)
	}
}

// ParseProperties turns NAME=VALUE arguments into properties.
func ParseProperties(args []string) ([]types.Property, error) {
	out := make([]types.Property, 0, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("property %q is not NAME=VALUE", arg)
		}
		out = append(out, types.Property{Name: name, Value: value})
	}
	return out, nil
}

// FormatProperties renders props as sorted NAME=VALUE lines. A non-empty
// only selects and orders the names printed.
func FormatProperties(props map[string]any, only []string) string {
	names := only
	if len(names) == 0 {
		names = make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	var sb strings.Builder
	for _, name := range names {
		v, ok := props[name]
		if !ok {
			continue
		}
		sb.WriteString(name + "=" + FormatValue(v) + "\n")
	}
	return sb.String()
}

// FormatValue renders a decoded property value.
func FormatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "yes"
		}
		return "no"
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = FormatValue(e)
		}
		return strings.Join(parts, " ")
	}
	return fmt.Sprint(v)
}

// HistoryTable renders recorded transitions, newest last.
func HistoryTable(history []types.Transition) string {
	rows := make([][]string, len(history))
	for i, t := range history {
		rows[i] = []string{t.At.Local().Format("2006-01-02 15:04:05"), t.From, t.To}
	}
	return ui.Table([]string{"At", "From", "To"}, rows)
}

// PrintJob reports a queued job.
func PrintJob(cmd *cobra.Command, what string, job uint64) {
	fmt.Fprintln(cmd.OutOrStdout(), ui.InfoMsg("%s queued as job %d", what, job))
}
