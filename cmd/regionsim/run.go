package main

import (
	"context"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"region-similarity/internal/cache"
	"region-similarity/internal/config"
	"region-similarity/internal/export"
	"region-similarity/internal/messages"
	"region-similarity/internal/session"
	"region-similarity/internal/spec"
)

var (
	runOutput     string
	runResolution float64
	runCellPixels int
	runMode       string
	runNoExport   bool
)

var runCmd = &cobra.Command{
	Use:   "run <spec.yaml>",
	Short: "Import a session spec, execute it and export the result",
	Long: `Rebuilds the session described by a spec file, waiting for every alias and
feature, runs its search or clustering and exports the features together
with the result.

Flags left unset fall back to the desktop app's saved settings.

Example:
  regionsim run 2f1c0a.yaml --resolution 250 --mode urls`,
	Args: cobra.ExactArgs(1),
	RunE: runSpec,
}

func init() {
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Output directory")
	runCmd.Flags().Float64Var(&runResolution, "resolution", 0, "Export resolution in metres per pixel")
	runCmd.Flags().IntVar(&runCellPixels, "cell-pixels", 0, "Pixels per export cell side")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Multi-cell export mode: archive or urls")
	runCmd.Flags().BoolVar(&runNoExport, "no-export", false, "Stop after executing the spec")
}

// runSettings applies the command line over the saved settings.
func runSettings(cmd *cobra.Command) (*config.UserSettings, error) {
	s, err := config.LoadSettings()
	if err != nil {
		logger.Warn("failed to load settings, using defaults", zap.Error(err))
		s = config.DefaultSettings()
	}
	flags := cmd.Flags()
	if flags.Changed("output") {
		s.OutputPath = runOutput
	}
	if flags.Changed("resolution") {
		s.ExportResolution = runResolution
	}
	if flags.Changed("cell-pixels") {
		s.ExportCellPixels = runCellPixels
	}
	if flags.Changed("mode") {
		s.ExportMode = runMode
	}
	return s, s.Validate()
}

func runSpec(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	settings, err := runSettings(cmd)
	if err != nil {
		return err
	}
	s, err := spec.ReadFile(args[0])
	if err != nil {
		return err
	}
	client, err := newClient(ctx)
	if err != nil {
		return err
	}

	msgs := messages.NewLog(messages.TTLs{})
	printMessages(msgs, cmd.ErrOrStderr())

	d := session.NewDispatcher(client, session.Options{
		Logger:        logger,
		Messages:      msgs,
		Retry:         settings.RetryPolicy(),
		MaxConcurrent: int64(settings.MaxConcurrentMaterializations),
	})
	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		d.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	msgs.Info(fmt.Sprintf("Importing %s...", args[0]))
	if err := d.ImportSpec(ctx, s); err != nil {
		return err
	}
	msgs.Info(fmt.Sprintf("Running %s...", s.Task))
	if err := d.Do(ctx, session.Execute{}); err != nil {
		return err
	}

	v, err := d.Snapshot(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "task: %s, features: %d\n", v.Task, len(v.Features))
	if v.Range != nil {
		fmt.Fprintf(out, "average distance range: %.4f to %.4f (threshold %.4f)\n", v.Range.Min, v.Range.Max, v.Threshold)
	}
	if runNoExport {
		return nil
	}

	src, err := d.PrepareExport(ctx, settings.ExportResolution)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(settings.OutputPath, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var exportCache *cache.DiskCache
	if c, err := cache.NewDiskCache(cache.GetCacheDir(), settings.CacheMaxSizeMB, settings.CacheTTL()); err != nil {
		logger.Warn("continuing without cache", zap.Error(err))
	} else {
		exportCache = c
		defer c.Close()
	}
	exporter := export.New(client,
		export.WithCache(exportCache),
		export.WithLogger(logger),
		export.WithRetry(settings.RetryPolicy(), func(msg string) { msgs.Warn(msg) }))

	var bar *progressbar.ProgressBar
	res, err := exporter.Export(ctx, export.Request{
		Name:       src.Name,
		Image:      src.Image,
		Region:     src.Region,
		Resolution: settings.ExportResolution,
		CellPixels: settings.ExportCellPixels,
		Mode:       export.Mode(settings.ExportMode),
		OutputDir:  settings.OutputPath,
	}, func(p export.Progress) {
		if bar == nil {
			bar = progressbar.Default(int64(p.CellsTotal), "Exporting cells")
		}
		bar.Set(p.CellsCompleted)
	})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	for _, f := range res.Failed {
		msgs.Error(fmt.Sprintf("Error exporting cell %d: %v", f.Cell.Index+1, f.Err))
	}
	if res.URL != "" {
		fmt.Fprintf(out, "Download link: %s\n", res.URL)
	} else {
		fmt.Fprintf(out, "Export written to %s (%d of %d cells)\n", res.Path, res.Cells-len(res.Failed), res.Cells)
	}
	return nil
}
