package main

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firewall-audit/internal/detect"
	"firewall-audit/internal/engine"
	"firewall-audit/internal/model"
	"firewall-audit/internal/parser"
	"firewall-audit/pkg/wellknown"
)

func newDetectorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detectors",
		Short: "List the detector catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			catalogue, err := detect.NewCatalogue(cfg.Catalogue)
			if err != nil {
				return fmt.Errorf("config: catalogue: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSEVERITY\tENABLED\tTITLE")
			for _, d := range catalogue.All() {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", d.ID, d.Severity, catalogue.Enabled(d.ID), d.Title)
			}
			return w.Flush()
		},
	}
}

var (
	probeDirection   string
	probeProtocol    string
	probePort        string
	probeSource      string
	probeDestination string
	probeTags        []string
)

type probeOutput struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Chain    string `json:"chain"`
	Rule     string `json:"rule,omitempty"`
	Logged   bool   `json:"logged"`
}

func newProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Show which rule decides a single packet",
		Long: `probe evaluates one packet against the rule set in evaluation order,
following jumps into user chains, and reports the deciding rule or the
default policy.`,
		Args: cobra.NoArgs,
		RunE: runProbe,
	}
	cmd.Flags().StringVar(&probeDirection, "direction", string(model.Ingress), "Packet direction: ingress, egress or forward")
	cmd.Flags().StringVar(&probeProtocol, "protocol", string(model.TCP), "Packet protocol: tcp, udp, icmp")
	cmd.Flags().StringVar(&probePort, "port", "", "Destination port number or service name")
	cmd.Flags().StringVar(&probeSource, "source", "", "Source address (default: any)")
	cmd.Flags().StringVar(&probeDestination, "destination", "", "Destination address (default: any)")
	cmd.Flags().StringSliceVar(&probeTags, "tag", nil, "Network tag of the target instance (cloud rules)")
	return cmd
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFile)

	req, err := loadRequest(cmd, cfg, logger)
	if err != nil {
		return err
	}
	dialect, err := req.Validate()
	if err != nil {
		return err
	}
	rs, err := parser.Parse(req.Rules, dialect)
	if err != nil {
		return err
	}

	probe, err := buildProbe()
	if err != nil {
		return err
	}
	res := engine.NewEvaluator(rs).Evaluate(probe)

	out := probeOutput{Decision: string(res.Decision), Reason: res.Reason, Chain: res.Chain, Logged: res.Logged}
	if res.MatchedRule != model.NoRule {
		out.Rule = rs.Rules[res.MatchedRule].Raw
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func buildProbe() (engine.Probe, error) {
	probe := engine.Probe{
		Direction: model.Direction(probeDirection),
		Protocol:  model.Protocol(probeProtocol),
		Tags:      probeTags,
	}
	switch probe.Direction {
	case model.Ingress, model.Egress, model.Forward:
	default:
		return probe, fmt.Errorf("invalid --direction %q", probeDirection)
	}
	if probePort != "" {
		if ports := wellknown.Ports(probePort); len(ports) > 0 {
			probe.Port = ports[0]
		} else if n, err := strconv.Atoi(probePort); err == nil && n >= 1 && n <= 65535 {
			probe.Port = n
		} else {
			return probe, fmt.Errorf("invalid --port %q", probePort)
		}
	}
	var err error
	if probe.Source, err = parseAddr("source", probeSource); err != nil {
		return probe, err
	}
	if probe.Destination, err = parseAddr("destination", probeDestination); err != nil {
		return probe, err
	}
	return probe, nil
}

// parseAddr leaves the address invalid when value is empty, which the
// evaluator matches only against rules open to any address.
func parseAddr(flag, value string) (netip.Addr, error) {
	if value == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid --%s: %w", flag, err)
	}
	return addr, nil
}

func newSnapshotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots",
		Short: "List rule snapshots stored in MariaDB",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return fmt.Errorf("database connection string must be provided (use --db)")
			}
			src, err := parser.NewMariaDBSource(cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer src.Close()
			snaps, err := src.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tCAPTURED")
			for _, s := range snaps {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Type, s.CapturedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}
