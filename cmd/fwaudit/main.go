package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"firewall-audit/internal/analyzer"
	"firewall-audit/internal/config"
	"firewall-audit/internal/detect"
	"firewall-audit/internal/model"
	"firewall-audit/internal/parser"
	"firewall-audit/internal/report"
	"firewall-audit/internal/risk"
)

var (
	configFile   string
	ruleType     string
	rulesFile    string
	requestFile  string
	ruleProvider string
	rulesDB      string
	snapshotName string
	outFile      string
	pretty       bool
	workers      int
	logLevel     string
	logFile      string
	minSeverity  string
	failAbove    string
)

// exitError carries a process exit status other than 1.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fwaudit",
		Short: "Audit firewall rule sets for security weaknesses",
		Long: `fwaudit parses iptables-save exports or cloud VPC firewall JSON, runs a
catalogue of deterministic checks over the rules and prints a JSON report
with a risk score, findings and remediation commands.`,
		SilenceUsage: true,
		RunE:         runAnalyze,
	}

	// Rule source flags, shared with probe
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "YAML configuration file")
	pf.StringVar(&ruleProvider, "provider", config.DefaultProvider, "Rule provider: 'file', 'mariadb' or 'nftables'")
	pf.StringVarP(&ruleType, "type", "t", "iptables", "Rule dialect for --rules: 'iptables' or 'gcp'")
	pf.StringVarP(&rulesFile, "rules", "r", "", "Rule export file, '-' for stdin (for 'file' provider)")
	pf.StringVar(&requestFile, "request", "", "JSON request file {\"rules\": ..., \"type\": ...} (for 'file' provider)")
	pf.StringVar(&rulesDB, "db", "", "Database connection string (for 'mariadb' provider)")
	pf.StringVar(&snapshotName, "snapshot", "", "Stored snapshot name (for 'mariadb' provider)")
	pf.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Log level (DEBUG, INFO, WARN, ERROR)")
	pf.StringVar(&logFile, "log-file", "", "Log file path (default: stderr)")

	rootCmd.Flags().StringVarP(&outFile, "out", "o", "", "Output JSON report file (default: stdout)")
	rootCmd.Flags().BoolVar(&pretty, "pretty", false, "Indent the JSON report")
	rootCmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of concurrent detector workers (0: one per CPU)")
	rootCmd.Flags().StringVar(&minSeverity, "min-severity", "", "Lowest severity to report: critical, warning or info")
	rootCmd.Flags().StringVar(&failAbove, "fail-above", "", "Exit with status 2 when the posture is worse than LOW, MODERATE or HIGH")

	rootCmd.AddCommand(newDetectorsCmd(), newProbeCmd(), newSnapshotsCmd())
	return rootCmd
}

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	os.Exit(1)
}

// loadConfig reads the configuration file and applies explicitly set flags
// on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-file") {
		cfg.LogFile = logFile
	}
	if flags.Changed("provider") {
		cfg.Provider = ruleProvider
	}
	if flags.Changed("db") {
		cfg.Database.DSN = rulesDB
	}
	if flags.Changed("snapshot") {
		cfg.Database.Snapshot = snapshotName
	}
	if flags.Lookup("workers") != nil && flags.Changed("workers") {
		cfg.Workers = workers
	}
	if flags.Lookup("min-severity") != nil && flags.Changed("min-severity") {
		sev, ok := model.ParseSeverity(minSeverity)
		if !ok {
			return nil, fmt.Errorf("invalid --min-severity %q", minSeverity)
		}
		cfg.Catalogue.MinSeverity = sev
	}
	if flags.Lookup("fail-above") != nil && flags.Changed("fail-above") {
		cfg.FailAbove = failAbove
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFile)
	slog.SetDefault(logger)

	slog.Info("Starting firewall audit", "provider", cfg.Provider)
	startTime := time.Now()

	req, err := loadRequest(cmd, cfg, logger)
	if err != nil {
		slog.Error("Failed to load rules", "provider", cfg.Provider, "error", err)
		return err
	}

	catalogue, err := detect.NewCatalogue(cfg.Catalogue)
	if err != nil {
		return fmt.Errorf("config: catalogue: %w", err)
	}
	res, err := analyzer.New(catalogue, logger, cfg.Workers).Analyze(cmd.Context(), req)
	if err != nil {
		slog.Error("Analysis failed", "error", err)
		return err
	}

	out := cmd.OutOrStdout()
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			slog.Error("Failed to create output file", "path", outFile, "error", err)
			return err
		}
		defer f.Close()
		out = f
	}
	if err := report.WriteJSON(out, report.NewDocument(res), pretty); err != nil {
		return err
	}

	rating := risk.FromScore(res.RiskScore)
	slog.Info("Audit complete",
		"risk_score", rating.Score,
		"posture", rating.Posture,
		"findings", len(res.Vulnerabilities),
		"duration", time.Since(startTime),
	)

	if cfg.FailAbove != "" {
		limit, _ := risk.ParsePosture(cfg.FailAbove)
		if rating.Posture.Rank() > limit.Rank() {
			return &exitError{code: 2, msg: fmt.Sprintf("posture %s exceeds %s (risk score %d)", rating.Posture, limit, rating.Score)}
		}
	}
	return nil
}

// loadRequest builds the analysis request from the configured provider.
func loadRequest(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (*parser.Request, error) {
	switch cfg.Provider {
	case "file":
		if requestFile != "" {
			f, err := os.Open(requestFile)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			return parser.DecodeRequest(f)
		}
		if rulesFile == "" {
			return nil, fmt.Errorf("rules file path must be provided for file provider (use --rules or --request)")
		}
		var r io.Reader = cmd.InOrStdin()
		if rulesFile != "-" {
			f, err := os.Open(rulesFile)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			r = f
		}
		return parser.ReadRequest(r, ruleType)
	case "mariadb":
		if cfg.Database.Snapshot == "" {
			return nil, fmt.Errorf("snapshot name must be provided for mariadb provider")
		}
		src, err := parser.NewMariaDBSource(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		return src.Load(cfg.Database.Snapshot)
	case "nftables":
		text, err := parser.CaptureNftables(logger)
		if err != nil {
			return nil, err
		}
		return &parser.Request{Rules: text, Type: string(model.PacketFilterText)}, nil
	default:
		return nil, fmt.Errorf("unknown rule provider: %s", cfg.Provider)
	}
}

func setupLogger(level, logFilePath string) *slog.Logger {
	var logWriter io.Writer = os.Stderr
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			logWriter = f
		}
		// We don't log an error here because the logger isn't set up yet.
		// It will just fall back to stderr.
	}

	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "INFO":
		lvl = slog.LevelInfo
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: lvl}))
}
