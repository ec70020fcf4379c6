package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"chpseg/pkg/cohort"
	"chpseg/pkg/config"
	"chpseg/pkg/logging"
	"chpseg/pkg/pipeline"
	"chpseg/pkg/toolkit"
)

// runFlags are the root command's overrides of the configuration file
type runFlags struct {
	configPath string
	verbose    bool
	logFile    string
	qc         bool
	surface    bool
	cohortDB   string
}

func newRootCmd() *cobra.Command {
	var flags runFlags

	rootCmd := &cobra.Command{
		Use:   "chpseg <subjects_dir> <subject_id>",
		Short: "Segment the choroid plexus of a FreeSurfer subject",
		Long: `chpseg segments the choroid plexus from a subject's T1 image with a
two-stage Gaussian mixture over the lateral ventricle masks. FreeSurfer
mri_binarize and FSL susan, fslmaths and fslstats must be on PATH.

Outputs are written to <subjects_dir>/<subject_id>/mri.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runSegmentation(cmd, flags, args[0], args[1])
		},
	}

	f := rootCmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "Log every toolkit command and its output")
	f.StringVar(&flags.logFile, "log-file", "", "Also write the log to this file (rotated)")
	f.BoolVar(&flags.qc, "qc", false, "Write QC snapshots and histograms to <subject>/qc")
	f.BoolVar(&flags.surface, "surface", false, "Export STL surfaces of the segmentations")
	f.StringVar(&flags.cohortDB, "cohort-db", "", "Record the run in this SQLite database")

	rootCmd.AddCommand(newConfigCmd(), newCohortCmd())
	return rootCmd
}

func loadConfig(flags runFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(flags.configPath); err != nil {
			return nil, err
		}
	}
	if flags.verbose {
		cfg.Output.Verbose = true
	}
	if flags.logFile != "" {
		cfg.Output.LogFile = flags.logFile
	}
	if flags.qc {
		cfg.Output.QC = true
	}
	if flags.surface {
		cfg.Output.Surface = true
	}
	if flags.cohortDB != "" {
		cfg.Cohort.Database = flags.cohortDB
	}
	return cfg, cfg.Validate()
}

func runSegmentation(cmd *cobra.Command, flags runFlags, subjectsDir, subject string) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(logging.Options{
		Verbose: cfg.Output.Verbose,
		File:    cfg.Output.LogFile,
	}, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer closer.Close()

	ws := toolkit.NewWorkspace(subjectsDir, subject)
	tk := toolkit.NewExternal(toolkit.Commands{
		Binarize: cfg.Toolkit.Binarize,
		Smooth:   cfg.Toolkit.Smooth,
		Maths:    cfg.Toolkit.Maths,
		Stats:    cfg.Toolkit.Stats,
	}, &toolkit.ExecRunner{Timeout: cfg.Toolkit.Timeout}, ws, logger)

	p, err := pipeline.New(cfg, ws, tk, logger)
	if err != nil {
		return err
	}
	if cfg.Cohort.Database != "" {
		store, err := cohort.Open(cfg.Cohort.Database)
		if err != nil {
			return err
		}
		defer store.Close()
		p.SetCohort(store)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	summary, err := p.Process(ctx)
	printSummary(cmd.OutOrStdout(), summary, time.Since(start))
	if err != nil {
		logger.WithError(err).Error("Segmentation finished with errors")
	}
	return err
}

func printSummary(w io.Writer, s *pipeline.Summary, elapsed time.Duration) {
	fmt.Fprintf(w, "\nSegmentation %s in %.2f seconds\n", s.Status(), elapsed.Seconds())
	if s.RunID != "" {
		fmt.Fprintf(w, "Run: %s\n", s.RunID)
	}

	names := make([]string, 0, len(s.Voxels))
	for name := range s.Voxels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-32s %8d voxels\n", name, s.Voxels[name])
	}
	for _, h := range s.Hemispheres {
		fmt.Fprintf(w, "  %s\n", h)
	}
	for _, h := range s.Failed {
		fmt.Fprintf(w, "  %s: failed\n", h)
	}
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage chpseg configuration files",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration to a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			if err := config.CreateDefaultConfigFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", args[0])
			return nil
		},
	})
	return configCmd
}

func newCohortCmd() *cobra.Command {
	var subject string

	cohortCmd := &cobra.Command{
		Use:   "cohort",
		Short: "Inspect the cohort database",
	}
	listCmd := &cobra.Command{
		Use:   "list <database>",
		Short: "List recorded runs and their voxel counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return err
			}
			store, err := cohort.Open(args[0])
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), subject)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	listCmd.Flags().StringVar(&subject, "subject", "", "Only list runs of this subject")
	cohortCmd.AddCommand(listCmd)
	return cohortCmd
}

func printRuns(w io.Writer, runs []*cohort.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSUBJECT\tSTARTED\tSTATUS\tIMAGE\tVOXELS")
	for _, r := range runs {
		started := r.StartedAt.Format(time.RFC3339)
		names := r.VolumeNames()
		if len(names) == 0 {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t-\t-\n", r.ID, r.Subject, started, r.Status)
			continue
		}
		for _, name := range names {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", r.ID, r.Subject, started, r.Status, name, r.Volumes[name])
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	var rows int
	for _, r := range runs {
		rows += len(r.Hemispheres)
	}
	if rows == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tHEMISPHERE\tMASK\tCOARSE\tREFINED\tDICE\tCONTRAST")
	for _, r := range runs {
		for _, h := range r.Hemispheres {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n", r.ID, h.Name,
				h.MaskVoxels, h.CoarseVoxels, h.RefinedVoxels, formatMetric(h.Dice), formatMetric(h.Contrast))
		}
	}
	return tw.Flush()
}

func formatMetric(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.3f", v)
}
