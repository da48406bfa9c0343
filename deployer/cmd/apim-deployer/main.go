package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/app"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/auth"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/config"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/history"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/specs"
)

// errUnitsFailed signals exit status 1 after a run that finished but did not deploy everything.
var errUnitsFailed = errors.New("one or more apis were not deployed")

type rootFlags struct {
	workers      int
	report       string
	pollInterval time.Duration
	pollDeadline time.Duration
	maxPolls     int
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errUnitsFailed) {
			log.Printf("[startup] %s", app.Describe(err))
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	root := &cobra.Command{
		Use:           "apim-deployer",
		Short:         "Deploy OpenAPI documents to an API Management service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.IntVar(&flags.workers, "workers", 0, "concurrent deployments (default APIM_WORKERS or 4)")
	pf.StringVar(&flags.report, "report", "", "report file (default APIM_REPORT_PATH or results.json)")
	pf.DurationVar(&flags.pollInterval, "poll-interval", 0, "delay between status checks of an accepted upload")
	pf.DurationVar(&flags.pollDeadline, "poll-deadline", 0, "give up on an accepted upload after this long")
	pf.IntVar(&flags.maxPolls, "max-polls", 0, "give up on an accepted upload after this many status checks")

	root.AddCommand(newDirCmd(&flags), newCommitCmd(&flags), newStoreSecretCmd(), newLastCmd())
	return root
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	return cfg.WithWorkers(flags.workers).
		WithReportPath(flags.report).
		WithPolling(flags.pollInterval, flags.pollDeadline, flags.maxPolls), nil
}

func runWith(ctx context.Context, cfg config.Config, locator specs.Locator) error {
	res, err := app.Run(ctx, cfg, locator)
	if err != nil {
		return err
	}
	log.Printf("[deployer] run %s: %d deployed, %d failed, report %s",
		res.Summary.RunID, res.Summary.Succeeded, res.Summary.Failed, res.ReportPath)
	if app.ExitCode(res, nil) != 0 {
		return errUnitsFailed
	}
	return nil
}

func newDirCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dir [path]",
		Short: "Deploy every <apiPath>-<apiVersion>.yaml in a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			dir := cfg.SpecDir
			if len(args) == 1 {
				dir = args[0]
			}
			return runWith(cmd.Context(), cfg, specs.DirLocator{Dir: dir})
		},
	}
}

func newCommitCmd(flags *rootFlags) *cobra.Command {
	var repo, specName string
	cmd := &cobra.Command{
		Use:   "commit <sha>",
		Short: "Deploy the resolved specs changed by a commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if specName == "" {
				specName = cfg.CommitSpecName
			}
			return runWith(cmd.Context(), cfg, specs.CommitLocator{
				Commit:   args[0],
				SpecName: specName,
				RepoDir:  repo,
			})
		},
	}
	cmd.Flags().StringVar(&repo, "repo", ".", "repository the commit belongs to")
	cmd.Flags().StringVar(&specName, "spec-name", "", "file name of the resolved spec (default APIM_COMMIT_SPEC_NAME)")
	return cmd
}

func newStoreSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store-secret <clientId>",
		Short: "Save a client secret, read from stdin, in the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			secret := strings.TrimSpace(line)
			if secret == "" {
				return fmt.Errorf("empty secret")
			}
			service := config.KeyringService()
			if err := auth.StoreClientSecret(service, args[0], secret); err != nil {
				return fmt.Errorf("store secret: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored secret for %s in keyring %s\n", args[0], service)
			return nil
		},
	}
}

func newLastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "last <apiId>",
		Short: "Show the most recent recorded outcome of an api from the history database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadHistory()
			if err != nil {
				return err
			}
			db, err := history.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			out, at, err := history.NewPGStore(db, cfg.ServiceName).LastOutcome(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", args[0], out, at.Format(time.RFC3339))
			return nil
		},
	}
}
