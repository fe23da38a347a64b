package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/threat"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("threatpulse %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch every enabled source once and print the summary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		ctx, span := a.telemetry.StartSpan(ctx, "cli.ingest")
		defer span.End()

		if a.cfg.Schedule.RunTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.cfg.Schedule.RunTimeout)
			defer cancel()
		}
		sum, err := a.ingest.IngestAll(ctx)
		if err != nil {
			a.telemetry.RecordError(ctx, err, zap.String("command", "ingest"))
			if sum == nil {
				return err
			}
		}
		if pErr := printJSON(cmd, sum); pErr != nil {
			return pErr
		}
		return err
	},
}

type analyzeOptions struct {
	vulnID      string
	indicator   string
	title       string
	description string
	cvss        float64
	epss        float64
	exploited   bool
	role        string
}

var analyzeFlags analyzeOptions

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Score one threat, store the result and alert if warranted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		role, err := threat.ParseRole(analyzeFlags.role)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		rec := &threat.Record{
			VulnID:             threat.String(analyzeFlags.vulnID),
			Indicator:          threat.String(analyzeFlags.indicator),
			Title:              analyzeFlags.title,
			Description:        analyzeFlags.description,
			SeverityScore:      analyzeFlags.cvss,
			ExploitProbability: analyzeFlags.epss,
			Exploited:          analyzeFlags.exploited,
			Source:             "manual",
			FetchedAt:          time.Now().UTC(),
		}
		ctx, span := a.telemetry.StartSpan(ctx, "cli.analyze")
		defer span.End()

		out, err := a.engine.Analyze(ctx, rec, role)
		if err != nil {
			a.telemetry.RecordError(ctx, err, zap.String("command", "analyze"))
			return err
		}
		return printJSON(cmd, out)
	},
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeFlags.vulnID, "cve", "", "Vulnerability id")
	f.StringVar(&analyzeFlags.indicator, "indicator", "", "Indicator of compromise")
	f.StringVar(&analyzeFlags.title, "title", "", "Title")
	f.StringVar(&analyzeFlags.description, "description", "", "Description")
	f.Float64Var(&analyzeFlags.cvss, "cvss", 0, "Severity score (0-10)")
	f.Float64Var(&analyzeFlags.epss, "epss", 0, "Exploit probability (0-1)")
	f.BoolVar(&analyzeFlags.exploited, "kev", false, "Known to be exploited")
	f.StringVar(&analyzeFlags.role, "role", "", "Role: security, financial or operational")

	rootCmd.AddCommand(versionCmd, ingestCmd, analyzeCmd)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
