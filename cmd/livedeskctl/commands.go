package main

import (
	"fmt"
	"maps"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/h1v3-io/livedesk/internal/auth"
	"github.com/h1v3-io/livedesk/internal/config"
	"github.com/h1v3-io/livedesk/internal/logbuf"
	"github.com/h1v3-io/livedesk/pkg/protocol"
)

const AppName = "livedeskctl"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "livedeskctl - live desk management CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("url", envOr("LIVEDESK_API_URL", "http://localhost:8080"), "daemon URL")
	cmd.PersistentFlags().String("api-key", os.Getenv("LIVEDESK_API_KEY"), "API key for authentication")
	cmd.PersistentFlags().Bool("json", false, "output raw JSON")

	cmd.AddCommand(
		NewHealthCmd(),
		NewStatusCmd(),
		NewAgentsCmd(),
		NewVisitorsCmd(),
		NewTranscriptCmd(),
		NewLogsCmd(),
		NewAlertTestCmd(),
		NewConfigCmd(),
		NewAgentTokenCmd(),
	)
	return cmd
}

// NewHealthCmd creates the health command.
func NewHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := clientFrom(cmd).get(cmd.Context(), "/api/health")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			return nil
		},
	}
}

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue length and agent capacity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st protocol.QueueStatus
			body, err := clientFrom(cmd).getJSON(cmd.Context(), "/api/status", &st)
			if err != nil {
				return err
			}
			if jsonMode(cmd) {
				fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
				return nil
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "waiting:       %d\n", st.Waiting)
			fmt.Fprintf(out, "oldest wait:   %s\n", (time.Duration(st.OldestWaitMs) * time.Millisecond).Round(time.Second))
			fmt.Fprintf(out, "agents online: %d\n", st.OnlineAgents)
			if len(st.Agents) > 0 {
				fmt.Fprintln(out)
				printAgents(cmd, st.Agents)
			}
			return nil
		},
	}
}

// NewAgentsCmd creates the agents command group.
func NewAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect online agents",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List online agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []protocol.AgentStatus
			body, err := clientFrom(cmd).getJSON(cmd.Context(), "/api/agents", &agents)
			if err != nil {
				return err
			}
			if jsonMode(cmd) {
				fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
				return nil
			}
			printAgents(cmd, agents)
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <username>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := clientFrom(cmd).get(cmd.Context(), "/api/agents/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

// NewVisitorsCmd creates the visitors command group.
func NewVisitorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "visitors",
		Short: "Inspect visitor records",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent visitors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			limit, _ := cmd.Flags().GetInt("limit")
			q.Set("limit", strconv.Itoa(limit))
			if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
				q.Set("since", strconv.FormatInt(time.Now().Add(-since).UnixMilli(), 10))
			}

			var visitors []protocol.Visitor
			body, err := clientFrom(cmd).getJSON(cmd.Context(), "/api/visitors?"+q.Encode(), &visitors)
			if err != nil {
				return err
			}
			if jsonMode(cmd) {
				fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
				return nil
			}
			for _, v := range visitors {
				fmt.Fprintf(cmd.OutOrStdout(), "%-36s  %-20s  %s\n",
					v.ID, v.CreatedAt.Local().Format(time.DateTime), strings.TrimSpace(v.FirstName+" "+v.LastName))
			}
			return nil
		},
	}
	list.Flags().Int("limit", 50, "max results")
	list.Flags().Duration("since", 0, "only visitors created within this duration")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one visitor record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := clientFrom(cmd).get(cmd.Context(), "/api/visitors/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

// NewTranscriptCmd creates the transcript command.
func NewTranscriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transcript <visitor-id>",
		Short: "Print a visitor's chat transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []protocol.TranscriptEntry
			path := "/api/visitors/" + url.PathEscape(args[0]) + "/transcript"
			body, err := clientFrom(cmd).getJSON(cmd.Context(), path, &entries)
			if err != nil {
				return err
			}
			if jsonMode(cmd) {
				fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
				return nil
			}
			for _, e := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), formatEntry(e))
			}
			return nil
		},
	}
}

// NewLogsCmd creates the logs command.
func NewLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			limit, _ := cmd.Flags().GetInt("limit")
			q.Set("limit", strconv.Itoa(limit))
			if level, _ := cmd.Flags().GetString("level"); level != "" {
				q.Set("level", level)
			}
			if component, _ := cmd.Flags().GetString("component"); component != "" {
				q.Set("component", component)
			}
			if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
				q.Set("since", strconv.FormatInt(time.Now().Add(-since).UnixMilli(), 10))
			}

			var entries []logbuf.Entry
			body, err := clientFrom(cmd).getJSON(cmd.Context(), "/api/logs?"+q.Encode(), &entries)
			if err != nil {
				return err
			}
			if jsonMode(cmd) {
				fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
				return nil
			}
			for _, e := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), formatLog(e))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 100, "max entries")
	cmd.Flags().String("level", "", "minimum level (debug|info|warn|error)")
	cmd.Flags().String("component", "", "only this component (dispatch, gateway, token, ...)")
	cmd.Flags().Duration("since", 0, "only entries within this duration")
	return cmd
}

// NewAlertTestCmd creates the alert-test command.
func NewAlertTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alert-test",
		Short: "Send a test alert through every configured notifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := clientFrom(cmd).post(cmd.Context(), "/api/alerts/test"); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "test alert sent")
			return nil
		},
	}
}

// NewConfigCmd creates the config command group.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with daemon config files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a JSON or YAML config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return fmt.Errorf("invalid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config is valid")
			return nil
		},
	})
	return cmd
}

// NewAgentTokenCmd creates the agent-token command.
func NewAgentTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent-token <username>",
		Short: "Mint an agent auth token for the chat endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("key")
			if path, _ := cmd.Flags().GetString("config"); path != "" && key == "" {
				cfg, err := config.Load(path)
				if err != nil {
					return err
				}
				key = cfg.Tokens.AgentAuthKey
			}
			if key == "" {
				return fmt.Errorf("signing key required (--key, --config, or LIVEDESK_AGENT_AUTH_KEY)")
			}

			ttl, _ := cmd.Flags().GetDuration("ttl")
			a, err := auth.NewJWTAuthenticator([]byte(key), ttl)
			if err != nil {
				return err
			}

			first, _ := cmd.Flags().GetString("first-name")
			last, _ := cmd.Flags().GetString("last-name")
			admin, _ := cmd.Flags().GetBool("admin")
			signed, err := a.Mint(protocol.AgentIdentity{
				Username:  args[0],
				FirstName: first,
				LastName:  last,
				IsAdmin:   admin,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().String("key", os.Getenv("LIVEDESK_AGENT_AUTH_KEY"), "agent auth signing key")
	cmd.Flags().String("config", "", "read the signing key from this config file")
	cmd.Flags().Duration("ttl", auth.DefaultTTL, "token lifetime")
	cmd.Flags().String("first-name", "", "agent first name")
	cmd.Flags().String("last-name", "", "agent last name")
	cmd.Flags().Bool("admin", false, "mark the agent as an admin")
	return cmd
}

// --- Formatting ---

func jsonMode(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printAgents(cmd *cobra.Command, agents []protocol.AgentStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-20s %5s %7s %7s  %s\n", "AGENT", "FREE", "OVERAGE", "PENDING", "VISITORS")
	for _, a := range agents {
		fmt.Fprintf(out, "%-20s %5d %7d %7d  %s\n",
			a.Username, a.RemainingSlots, a.Overage, a.Pending, strings.Join(a.Visitors, ","))
	}
}

func formatEntry(e protocol.TranscriptEntry) string {
	ts := time.UnixMilli(e.Timestamp).Local().Format(time.TimeOnly)
	from := "visitor"
	if !e.FromVisitor {
		from = e.Counterpart
	}
	if e.Kind == protocol.EntryFile {
		return fmt.Sprintf("[%s] %s: <file %s (%s)>", ts, from, e.FileName, e.FileType)
	}
	return fmt.Sprintf("[%s] %s: %s", ts, from, e.Message)
}

func formatLog(e logbuf.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s", e.Time.Local().Format(time.DateTime), e.Level)
	if e.Component != "" {
		fmt.Fprintf(&b, " [%s]", e.Component)
	}
	b.WriteString(" " + e.Message)
	for _, k := range slices.Sorted(maps.Keys(e.Attrs)) {
		fmt.Fprintf(&b, " %s=%v", k, e.Attrs[k])
	}
	return b.String()
}
