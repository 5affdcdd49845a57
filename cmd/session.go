// File: cmd/session.go
package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/uipilot/api/schemas"
	"github.com/xkilldash9x/uipilot/internal/observability"
	"github.com/xkilldash9x/uipilot/internal/session"
)

func newSessionCmd() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect the saved authentication session",
	}
	sessionCmd.AddCommand(newSessionValidateCmd())
	return sessionCmd
}

func newSessionValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Load a session descriptor and summarise what a run would restore",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			path := cfg.Session().Path
			if len(args) == 1 {
				path = args[0]
			}

			store := session.NewStore(observability.GetLogger(), cfg.Target().Origin())
			sess, err := store.Load(path)
			if err != nil {
				return err
			}
			writeSessionSummary(cmd.OutOrStdout(), path, sess, time.Now())
			return nil
		},
	}
}

func writeSessionSummary(w io.Writer, path string, sess *schemas.Session, now time.Time) {
	domains := map[string]int{}
	var earliest float64
	for _, c := range sess.Cookies {
		domains[c.Domain]++
		if c.Expiry > 0 && (earliest == 0 || c.Expiry < earliest) {
			earliest = c.Expiry
		}
	}
	names := make([]string, 0, len(domains))
	for d, n := range domains {
		names = append(names, fmt.Sprintf("%s (%d)", d, n))
	}
	sort.Strings(names)

	keys := make([]string, 0, len(sess.LocalStorage))
	for k := range sess.LocalStorage {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "Session:        %s\n", path)
	fmt.Fprintf(w, "Origin:         %s\n", orDash(sess.Origin))
	fmt.Fprintf(w, "Cookies:        %d across %s\n", len(sess.Cookies), orDash(strings.Join(names, ", ")))
	if earliest > 0 {
		exp := time.Unix(int64(earliest), 0).UTC()
		fmt.Fprintf(w, "First expiry:   %s (in %s)\n", exp.Format(time.RFC3339), exp.Sub(now).Round(time.Minute))
	} else {
		fmt.Fprintf(w, "First expiry:   session cookies only\n")
	}
	fmt.Fprintf(w, "Local storage:  %d keys %s\n", len(keys), orDash(strings.Join(keys, ", ")))
	fmt.Fprintf(w, "User agent:     %s\n", orDash(sess.UserAgent))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
