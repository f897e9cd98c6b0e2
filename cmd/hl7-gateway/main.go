package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/hl7gateway/internal/config"
	"github.com/ehr/hl7gateway/internal/platform/auth"
	"github.com/ehr/hl7gateway/internal/platform/db"
	"github.com/ehr/hl7gateway/internal/platform/hl7v2"
	"github.com/ehr/hl7gateway/migrations"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "hl7-gateway",
		Short:         "HL7 v2 MLLP gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (default ./.env)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(parseCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MLLP listener and the HTTP control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runServer(cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			migrator, closeFn, err := openMigrator(cmd, schema, dir)
			if err != nil {
				return err
			}
			defer closeFn()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running migrations on schema: %s\n", migrator.Schema())
			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			migrator, closeFn, err := openMigrator(cmd, schema, dir)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), migrator.Schema(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func openMigrator(cmd *cobra.Command, schema, dir string) (*db.Migrator, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.HasDatabase() {
		return nil, nil, errors.New("DATABASE_URL is not set")
	}

	pool, err := db.NewPool(cmd.Context(), db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrationSource(dir), schema), pool.Close, nil
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// parseOutput is what the parse command prints.
type parseOutput struct {
	*hl7v2.Interpretation
	Diagnostics []hl7v2.Diagnostic `json:"diagnostics,omitempty"`
	AckCode     hl7v2.AckCode      `json:"ackCode"`
	Error       string             `json:"error,omitempty"`
}

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <file>",
		Short: "Parse, route and project a message file and print the result as JSON",
		Long:  "Parse, route and project a message without storing it. Use - to read standard input.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			in, ierr := hl7v2.Interpret(payload)
			out := parseOutput{Interpretation: in, AckCode: hl7v2.AckCodeFor(ierr)}
			if in.Message != nil {
				out.Diagnostics = in.Message.Diagnostics
			}
			if ierr != nil {
				out.Error = ierr.Error()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if ierr != nil {
				return fmt.Errorf("message would be acknowledged %s", out.AckCode)
			}
			return nil
		},
	}
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return payload, nil
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to an MLLP listener and print the acknowledgment",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			file, _ := cmd.Flags().GetString("file")
			sample, _ := cmd.Flags().GetString("sample")
			controlID, _ := cmd.Flags().GetString("control-id")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			var payload []byte
			var err error
			switch {
			case file != "" && sample != "":
				return errors.New("--file and --sample are mutually exclusive")
			case file != "":
				payload, err = readPayload(cmd.InOrStdin(), file)
			case sample != "":
				if controlID == "" {
					controlID = fmt.Sprintf("CLI%d", time.Now().UnixNano())
				}
				payload, err = hl7v2.SampleMessage(sample, controlID)
			default:
				return fmt.Errorf("one of --file or --sample is required (samples: %s)", strings.Join(hl7v2.SampleNames(), ", "))
			}
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := hl7v2.Dial(ctx, addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ack, err := client.Send(ctx, payload)
			if err != nil {
				return err
			}
			code, acked, err := hl7v2.AckCodeOf(ack)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", code, acked)
			if text := ack.Segment("MSA").Value(3); text != "" {
				fmt.Fprintln(cmd.OutOrStdout(), text)
			}
			if code != hl7v2.AckAccept {
				return fmt.Errorf("message %s acknowledged %s", acked, code)
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "localhost:2575", "MLLP listener address")
	cmd.Flags().String("file", "", "Message file to send (- for standard input)")
	cmd.Flags().String("sample", "", "Send a built-in sample message instead of a file")
	cmd.Flags().String("control-id", "", "MSH-10 for --sample (default generated)")
	cmd.Flags().Duration("timeout", 30*time.Second, "Time to wait for the acknowledgment")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return errors.New("--subject is required")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return errors.New("AUTH_SIGNING_KEY is not set")
			}

			tok, err := auth.IssueToken(jwtConfig(cfg), subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject")
	cmd.Flags().StringSlice("role", []string{auth.RoleViewer}, "Role to grant (repeatable)")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
}
