package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/socledger/socledger/internal/access"
)

// ============================================================================
// socledger access
// ============================================================================

var accessCmd = &cobra.Command{
	Use:   "access",
	Short: "Evaluate and inspect the role/time access rules",
}

func init() {
	accessCmd.AddCommand(accessCheckCmd)
	accessCmd.AddCommand(accessRulesCmd)
}

var accessCheckAt string

var accessCheckCmd = &cobra.Command{
	Use:   "check ROLE ACTION RESOURCE",
	Short: "Decide whether ROLE may perform ACTION on RESOURCE",
	Example: `  socledger access check Usuario Crear Incidente
  socledger access check "Jefe de SOC" Cerrar Incidente --at 2026-10-17T20:00:00-05:00`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, err := loadGate()
		if err != nil {
			return err
		}

		now := time.Now()
		if accessCheckAt != "" {
			now, err = time.Parse(time.RFC3339, accessCheckAt)
			if err != nil {
				return fmt.Errorf("invalid --at %q (use RFC 3339)", accessCheckAt)
			}
		}

		d := gate.Check(args[0], args[1], args[2], now)
		if d.Allowed {
			fmt.Println("ALLOWED")
			return nil
		}
		fmt.Printf("DENIED: %s\n", d.Reason)
		return d.Err()
	},
}

func init() {
	accessCheckCmd.Flags().StringVar(&accessCheckAt, "at", "", "Evaluate at this RFC 3339 time instead of now")
}

var accessRulesCmd = &cobra.Command{
	Use:   "rules [ROLE]",
	Short: "Print the rule table, or one role's rules",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, err := loadGate()
		if err != nil {
			return err
		}
		table := gate.Table()

		roles := table.Roles()
		if len(args) == 1 {
			roles = []string{args[0]}
		}
		sort.Strings(roles)

		for _, role := range roles {
			fmt.Printf("%s:\n", role)
			rules := table.RulesFor(role)
			if len(rules) == 0 {
				fmt.Println("  (no rules)")
			}
			for _, r := range rules {
				fmt.Printf("  %-16s %-26s %s-%s  %s\n", r.Action, r.Resource, r.Start, r.End, formatDays(r.Days))
			}
		}
		fmt.Printf("\nUnknown roles fall back to %q.\n", table.DefaultRole())
		return nil
	},
}

// loadGate builds a gate from the configured rule table and time zone,
// without touching the audit store or keys.
func loadGate() (*access.Gate, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Access.Location()
	if err != nil {
		return nil, err
	}
	table, err := access.LoadTable(cfg.Access.RulesPath)
	if err != nil {
		return nil, err
	}
	return access.NewGate(table, access.Options{Location: loc}), nil
}

var dayNames = [...]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

func formatDays(days []int) string {
	names := make([]string, 0, len(days))
	for _, d := range days {
		if d >= 0 && d < len(dayNames) {
			names = append(names, dayNames[d])
		}
	}
	return strings.Join(names, ",")
}

// ============================================================================
// socledger keygen / token / config
// ============================================================================

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a random AES-256 details key (64 hex chars)",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := generateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

var (
	tokenRole  string
	tokenEmail string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token USER_ID",
	Short: "Mint a bearer token signed with the configured secret (development only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tok, err := mintToken(cfg, args[0], tokenEmail, tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", access.DefaultRole, "Role claim (user_metadata.role)")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Write or print the configuration",
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default config.yaml and access_rules.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}
		written, err := initConfigDir(configDir, configInitForce)
		if err != nil {
			return err
		}
		for _, p := range written {
			fmt.Printf("Wrote %s\n", p)
		}
		if len(written) == 0 {
			fmt.Println("Nothing to do; files exist (use --force to overwrite).")
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return printConfig(os.Stdout, cfg)
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite existing files")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
