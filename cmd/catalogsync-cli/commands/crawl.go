package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"catalogsync/lib/serviceutil"
	"catalogsync/lib/sqliteutil"
	"catalogsync/services/baseline"
	basedb "catalogsync/services/baseline/db"
	"catalogsync/services/crawler"

	"github.com/spf13/cobra"
)

var (
	crawlEpoch *string
	crawlOut   *string
	crawlForce *bool
)

func init() {
	crawlEpoch = crawlCmd.Flags().String("epoch", "", "The term code to crawl. Defaults to the first one the portal offers.")
	crawlOut = crawlCmd.Flags().String("out", "", "Write the aggregated records to this JSON file.")
	crawlForce = crawlCmd.Flags().Bool("force", false, "Save the baseline even when the run has critical regressions.")
	rootCmd.AddCommand(crawlCmd)
}

var crawlCmd = &cobra.Command{
	Use:   "crawl [--epoch <term>] [--out <records.json>] [--force]",
	Short: "Crawls every department of a term and compares the result against the saved baseline.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		c := setup()

		err := ensureSession(ctx, c)
		if err != nil {
			serviceutil.Fatal("failed to establish a session", err)
		}

		epoch := *crawlEpoch
		if epoch == "" {
			epochs, err := c.manager.DiscoverSelect(ctx, c.cfg.Login.ProbePath, c.cfg.Crawl.EpochSelect)
			if err != nil {
				serviceutil.Fatal("failed to discover terms", err)
			}
			epoch = epochs[0].Value
			slog.Info("no term given, using the portal's first", "epoch", epoch)
		}

		entities := c.cfg.Crawl.Entities
		if len(entities) == 0 {
			options, err := c.manager.DiscoverSelect(ctx, c.cfg.Login.ProbePath, c.cfg.Crawl.EntitySelect)
			if err != nil {
				serviceutil.Fatal("failed to discover departments", err)
			}
			for _, option := range options {
				entities = append(entities, option.Value)
			}
		}

		targets := make([]crawler.Target, len(entities))
		for i, entity := range entities {
			targets[i] = crawler.Target{Epoch: epoch, Entity: entity}
		}

		orchestrator := crawler.NewOrchestrator(
			c.exec,
			c.manager,
			crawler.NewScheduleExtractor(),
			c.cfg.orchestratorOptions(),
		)
		result, err := orchestrator.Run(ctx, targets)
		if err != nil {
			serviceutil.Fatal("crawl run failed", err)
		}
		if result.Aborted {
			serviceutil.Fatal("crawl run aborted by the canary probe", fmt.Errorf("run %s", result.RunID))
		}

		database, err := sqliteutil.OpenDB(basedb.Schema, c.cfg.BaselineDB)
		if err != nil {
			serviceutil.Fatal("failed to open baseline db", err)
		}
		defer database.Close()
		detector := baseline.NewDetector(database, c.cfg.Baseline)

		data := baseline.BuildSnapshotData(result.Records, nil)
		report, err := detector.Compare(ctx, epoch, data)
		if err != nil {
			serviceutil.Fatal("failed to compare against baseline", err)
		}
		renderRun(result)
		renderReport(report)

		if *crawlOut != "" {
			contents, err := json.MarshalIndent(result.Records, "", "  ")
			if err != nil {
				serviceutil.Fatal("failed to marshal records", err)
			}
			err = os.WriteFile(*crawlOut, contents, 0666)
			if err != nil {
				serviceutil.Fatal("failed to write records", err)
			}
			slog.Info("wrote records", "path", *crawlOut, "count", len(result.Records))
		}

		if report.HasCriticalRegressions && !*crawlForce {
			slog.Error("critical regressions found, baseline left untouched (pass --force to overwrite)",
				"epoch", epoch, "entities", baseline.Describe(data))
			os.Exit(1)
		}

		err = detector.Save(ctx, epoch, data)
		if err != nil {
			serviceutil.Fatal("failed to save baseline", err)
		}
		slog.Info("baseline saved", "epoch", epoch, "entities", len(data))
	},
}
