package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/dpapi"
	"southwinds.dev/dpapi/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditScope         string
	auditContainer     string
	auditLimit         int
	auditOffset        int
	auditFailuresOnly  bool
	auditLifecycleOnly bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	Long: `Query the file audit log written when audit logging is enabled.

Events record keypair loads, generations and removals, exports and imports,
and every unprotect attempt. Failed unprotect attempts carry no detail
beyond "invalid data".`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query audit events with various filtering options.

Examples:
  # Failed unprotect attempts in the last day
  dpapi audit query --action UNPROTECT --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # Keypair lifecycle for the machine scope
  dpapi audit query --lifecycle --scope machine`,
	RunE: runAuditQuery,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show audit summary statistics",
	RunE:  runAuditSummary,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd, auditSummaryCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditScope, "scope", "", "Filter by scope (user, machine)")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by specific action")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success status (true/false)")
	auditQueryCmd.Flags().StringVar(&auditContainer, "container", "", "Filter by key container ID")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Show only failed events")
	auditQueryCmd.Flags().BoolVar(&auditLifecycleOnly, "lifecycle", false, "Show only events that created, moved or destroyed keypairs")
	auditQueryCmd.Flags().BoolVar(&auditDetails, "details", false, "Show event metadata")
}

// openAuditLog opens the configured audit file for reading, whether or not logging is enabled
func openAuditLog() (audit.Logger, error) {
	if audit.ConfigType(viper.GetString("audit.type")) != audit.FileAuditType {
		return nil, fmt.Errorf("only the file audit log can be queried, audit.type is %q", viper.GetString("audit.type"))
	}
	return audit.NewLogger(&audit.Config{
		Enabled: true,
		Source:  getHostname(),
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
	})
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Limit:     auditLimit,
		Offset:    auditOffset,
		Action:    auditAction,
		Container: auditContainer,
		Lifecycle: auditLifecycleOnly,
	}

	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}

	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	if auditScope != "" {
		scope, err := dpapi.ParseScope(auditScope)
		if err != nil {
			return options, err
		}
		options.Scope = scope.String()
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}

	if auditFailuresOnly {
		falseVal := false
		options.Success = &falseVal
	}

	return options, nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	logger, err := openAuditLog()
	if err != nil {
		return err
	}
	defer logger.Close()

	result, err := logger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit log: %w", err)
	}

	if auditJsonOutput {
		return json.NewEncoder(os.Stdout).Encode(result)
	}
	if err = displayAuditEvents(result.Events); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Printf("\n%d of %d events shown, use --offset for more\n", len(result.Events), result.Filtered)
	}
	return nil
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "TIMESTAMP\tACTION\tSCOPE\tSTATUS\tERROR\n")
	for _, event := range events {
		status := "SUCCESS"
		if !event.Success {
			status = "FAILED"
		}
		errMsg := event.Error
		if errMsg == "" {
			errMsg = "-"
		}
		scope := event.Scope
		if scope == "" {
			scope = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Local().Format("2006-01-02 15:04:05"),
			event.Action,
			scope,
			status,
			errMsg,
		)
		if auditDetails && len(event.Metadata) > 0 {
			keys := make([]string, 0, len(event.Metadata))
			for k := range event.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "\t  %s=%v\t\t\t\n", k, event.Metadata[k])
			}
		}
	}
	return w.Flush()
}

type auditSummary struct {
	TotalEvents      int            `json:"total_events"`
	SuccessfulEvents int            `json:"successful_events"`
	FailedEvents     int            `json:"failed_events"`
	ByAction         map[string]int `json:"by_action"`
	FailedUnprotect  int            `json:"failed_unprotect"`
	LastActivity     time.Time      `json:"last_activity"`
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	// a summary covers every matching event
	options.Limit = 0
	options.Offset = 0

	logger, err := openAuditLog()
	if err != nil {
		return err
	}
	defer logger.Close()

	result, err := logger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit log: %w", err)
	}

	summary := auditSummary{ByAction: make(map[string]int)}
	for _, event := range result.Events {
		summary.TotalEvents++
		if event.Success {
			summary.SuccessfulEvents++
		} else {
			summary.FailedEvents++
			if event.Action == audit.ActionUnprotect {
				summary.FailedUnprotect++
			}
		}
		summary.ByAction[event.Action]++
		if event.Timestamp.After(summary.LastActivity) {
			summary.LastActivity = event.Timestamp
		}
	}

	if auditJsonOutput {
		return json.NewEncoder(os.Stdout).Encode(summary)
	}

	fmt.Println("Audit Summary")
	fmt.Println("=============")
	fmt.Printf("Total Events: %d (Success: %d, Failed: %d)\n", summary.TotalEvents, summary.SuccessfulEvents, summary.FailedEvents)
	fmt.Printf("Failed Unprotect Attempts: %d\n", summary.FailedUnprotect)
	if !summary.LastActivity.IsZero() {
		fmt.Printf("Last Activity: %s\n", summary.LastActivity.Local().Format("2006-01-02 15:04:05"))
	}

	actions := make([]string, 0, len(summary.ByAction))
	for action := range summary.ByAction {
		actions = append(actions, action)
	}
	sort.Strings(actions)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "\nACTION\tCOUNT\n")
	for _, action := range actions {
		fmt.Fprintf(w, "%s\t%d\n", action, summary.ByAction[action])
	}
	return w.Flush()
}
