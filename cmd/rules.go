// Package cmd provides the command-line interface for managing Vigil
// detection rules.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vigil/config"
	"vigil/dsl"
	"vigil/storage"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

var (
	outputJSON bool
	configFile string
	noColor    bool
)

const (
	maxRuleFileSize = 1 * 1024 * 1024 // protection against memory exhaustion
	defaultTimeout  = 30 * time.Second
)

// NewRulesCmd creates the rules command tree.
func NewRulesCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rules",
		Short: "Manage Vigil detection rules",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newCompileCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newAddCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newEnableCmd())
	root.AddCommand(newDisableCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newAlertsCmd())
	return root
}

func newCompileCmd() *cobra.Command {
	var nativeCIDR bool
	cmd := &cobra.Command{
		Use:   "compile <rule-file>",
		Short: "Compile a rule document to ClickHouse SQL without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadRuleDocument(args[0])
			if err != nil {
				return err
			}

			compiler := dsl.NewCompiler(dsl.DefaultCatalog(), dsl.Capabilities{NativeCIDRMatch: nativeCIDR})
			result, err := compiler.CompileSearch(doc, "events")
			if err != nil {
				errorColor.Fprintf(os.Stderr, "Compilation failed: %v\n", err)
				return err
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(result)
			}

			headerColor.Println("Compiled SQL:")
			fmt.Println(result.SQL)
			if len(result.Args) > 0 {
				headerColor.Println("\nBound arguments:")
				for i, a := range result.Args {
					fmt.Printf("  $%d = %v\n", i+1, a)
				}
			}
			for _, w := range result.Warnings {
				warningColor.Printf("warning: %s\n", w)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&nativeCIDR, "native-cidr", true, "Assume server supports isIPAddressInRange")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <rule-file>",
		Short: "Validate a rule document without compiling or storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadRuleDocument(args[0])
			if err != nil {
				errorColor.Fprintf(os.Stderr, "Parse failed: %v\n", err)
				return err
			}

			validator := dsl.NewValidator(dsl.DefaultCatalog())
			var problems []string
			if doc.Search != nil && doc.Search.Where != nil {
				if verr := validator.Validate(doc.Search.Where); verr != nil {
					problems = append(problems, verr.Error())
				}
			}
			if doc.Sequence != nil {
				for i, step := range doc.Sequence.Steps {
					if step.Where == nil {
						continue
					}
					if verr := validator.Validate(step.Where); verr != nil {
						problems = append(problems, fmt.Sprintf("step %d: %v", i+1, verr))
					}
				}
			}

			if len(problems) > 0 {
				for _, p := range problems {
					errorColor.Fprintf(os.Stderr, "invalid: %s\n", p)
				}
				return fmt.Errorf("rule document failed validation")
			}

			successColor.Println("Rule document is valid")
			return nil
		},
	}
}

func newAddCmd() *cobra.Command {
	var (
		ruleID   string
		name     string
		severity string
		schedule int64
		throttle int64
		tenants  []string
		disabled bool
	)
	cmd := &cobra.Command{
		Use:   "add <rule-file>",
		Short: "Compile a rule document and store it in the rule database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadRuleDocument(args[0])
			if err != nil {
				return err
			}

			compiler := dsl.NewCompiler(dsl.DefaultCatalog(), dsl.Capabilities{NativeCIDRMatch: true})
			result, err := compiler.CompileSearch(doc, "events")
			if err != nil {
				errorColor.Fprintf(os.Stderr, "Compilation failed: %v\n", err)
				return err
			}
			for _, w := range result.Warnings {
				warningColor.Printf("warning: %s\n", w)
			}

			if ruleID == "" {
				ruleID = uuid.NewString()
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			scope, normalized, err := normalizeTenantScope(tenants)
			if err != nil {
				errorColor.Fprintf(os.Stderr, "%v\n", err)
				return err
			}
			if normalized {
				warningColor.Println(`--tenant "all" stored as an empty scope (every active tenant)`)
			}
			tenants = scope

			rules, cleanup, err := openRuleStore()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			rule := &storage.Rule{
				ID:              ruleID,
				Name:            name,
				CompiledSQL:     result.SQL,
				CompiledArgs:    result.Args,
				WhereSQL:        result.WhereSQL,
				WhereArgs:       result.WhereArgs,
				Enabled:         !disabled,
				ScheduleSec:     schedule,
				ThrottleSeconds: throttle,
				Severity:        severity,
				TenantScope:     tenants,
			}
			if err := rules.Upsert(ctx, rule); err != nil {
				errorColor.Fprintf(os.Stderr, "Failed to store rule: %v\n", err)
				return err
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]string{"id": ruleID, "status": "stored"})
			}
			successColor.Printf("Rule %s stored\n", ruleID)
			return nil
		},
	}
	cmd.Flags().StringVar(&ruleID, "id", "", "Rule ID (generated when omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Rule name (defaults to file name)")
	cmd.Flags().StringVar(&severity, "severity", "medium", "Alert severity")
	cmd.Flags().Int64Var(&schedule, "schedule", 300, "Evaluation interval in seconds")
	cmd.Flags().Int64Var(&throttle, "throttle", 0, "Alert throttle in seconds (0 disables)")
	cmd.Flags().StringSliceVar(&tenants, "tenant", nil, "Tenant scope (repeatable; empty means all active tenants)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Store the rule disabled")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enabled rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, cleanup, err := openRuleStore()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			list, err := rules.ListEnabled(ctx)
			if err != nil {
				return err
			}

			if outputJSON {
				out := make([]map[string]interface{}, 0, len(list))
				for _, r := range list {
					out = append(out, map[string]interface{}{
						"id":           r.ID,
						"name":         r.Name,
						"severity":     r.Severity,
						"schedule_sec": r.ScheduleSec,
						"tenant_scope": r.TenantScope,
					})
				}
				return json.NewEncoder(os.Stdout).Encode(out)
			}

			if len(list) == 0 {
				infoColor.Println("No enabled rules")
				return nil
			}
			headerColor.Printf("%-38s %-30s %-10s %s\n", "ID", "NAME", "SEVERITY", "SCHEDULE")
			for _, r := range list {
				fmt.Printf("%-38s %-30s %-10s %ds\n", r.ID, r.Name, r.Severity, r.ScheduleSec)
			}
			return nil
		},
	}
}

func newEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <rule-id>",
		Short: "Enable a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setRuleEnabled(args[0], true)
		},
	}
}

func newDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <rule-id>",
		Short: "Disable a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setRuleEnabled(args[0], false)
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, cleanup, err := openRuleStore()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			if err := rules.Delete(ctx, args[0]); err != nil {
				errorColor.Fprintf(os.Stderr, "Failed to delete rule: %v\n", err)
				return err
			}
			successColor.Printf("Rule %s deleted\n", args[0])
			return nil
		},
	}
}

func newAlertsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "alerts <rule-id>",
		Short: "Show recent alerts for a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
			s.Suffix = " Connecting to event store..."
			if !outputJSON {
				s.Start()
			}
			ch, err := storage.NewClickHouse(cfg, zap.NewNop().Sugar())
			s.Stop()
			if err != nil {
				return fmt.Errorf("failed to connect to event store: %w", err)
			}
			defer ch.Close()

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			alerts, err := storage.NewAlertStore(ch).RecentForRule(ctx, args[0], limit)
			if err != nil {
				errorColor.Fprintf(os.Stderr, "Failed to query alerts: %v\n", err)
				return err
			}

			if outputJSON {
				out := make([]map[string]interface{}, 0, len(alerts))
				for _, a := range alerts {
					out = append(out, map[string]interface{}{
						"alert_id":     a.AlertID,
						"tenant_id":    a.TenantID,
						"severity":     a.Severity,
						"window_start": a.WindowStart,
						"window_end":   a.WindowEnd,
						"match_count":  a.MatchCount,
						"created_at":   a.CreatedAt,
					})
				}
				return json.NewEncoder(os.Stdout).Encode(out)
			}

			if len(alerts) == 0 {
				infoColor.Printf("No alerts for rule %s\n", args[0])
				return nil
			}
			headerColor.Printf("%-20s %-10s %-12s %-8s %s\n", "TENANT", "SEVERITY", "WINDOW", "MATCHES", "CREATED")
			for _, a := range alerts {
				fmt.Printf("%-20s %-10s %-12d %-8d %s\n",
					a.TenantID, a.Severity, a.WindowStart, a.MatchCount,
					a.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum alerts to show")
	return cmd
}

func setRuleEnabled(id string, enabled bool) error {
	rules, cleanup, err := openRuleStore()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := rules.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	if enabled {
		successColor.Printf("Rule %s enabled\n", id)
	} else {
		warningColor.Printf("Rule %s disabled\n", id)
	}
	return nil
}

// normalizeTenantScope maps the literal "all" onto the empty scope the
// scheduler expands to every active tenant. Without this a rule would be
// pinned to a tenant literally named "all" and never fire.
func normalizeTenantScope(tenants []string) (scope []string, normalized bool, err error) {
	for _, t := range tenants {
		if strings.EqualFold(t, "all") {
			if len(tenants) > 1 {
				return nil, false, fmt.Errorf(`--tenant "all" cannot be combined with explicit tenant ids`)
			}
			return nil, true, nil
		}
	}
	return tenants, false, nil
}

// loadRuleDocument reads a rule file and parses it as YAML or JSON based on
// the extension.
func loadRuleDocument(path string) (*dsl.SearchDSL, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat rule file: %w", err)
	}
	if info.Size() > maxRuleFileSize {
		return nil, fmt.Errorf("rule file exceeds %d byte limit", maxRuleFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return dsl.ParseSearchDSLJSON(data)
	default:
		return dsl.ParseSearchDSLYAML(data)
	}
}

// openRuleStore loads config and opens the SQLite rule database, showing a
// spinner while connecting.
func openRuleStore() (*storage.RuleStore, func(), error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Opening rule database..."
	if !outputJSON {
		s.Start()
	}

	// CLI output goes through color printers; keep zap quiet.
	rules, err := storage.NewRuleStore(cfg.SQLite.Path, zap.NewNop().Sugar())
	s.Stop()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open rule store: %w", err)
	}
	return rules, func() { rules.Close() }, nil
}
