package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"
	"go.uber.org/zap"

	"region-similarity/internal/analysis"
	"region-similarity/internal/cache"
	"region-similarity/internal/catalog"
	"region-similarity/internal/common"
	"region-similarity/internal/config"
	"region-similarity/internal/earthengine"
	"region-similarity/internal/export"
	"region-similarity/internal/geo"
	"region-similarity/internal/geocode"
	"region-similarity/internal/handlers/tileserver"
	"region-similarity/internal/logging"
	"region-similarity/internal/messages"
	"region-similarity/internal/session"
	"region-similarity/internal/similarity"
	"region-similarity/internal/spec"
	"region-similarity/internal/taskqueue"
	"region-similarity/internal/telemetry"
	"region-similarity/internal/variables"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// engine is everything the app asks of the compute service.
type engine interface {
	session.Engine
	export.Engine
	tileserver.Fetcher
}

// offlineEngine stands in for the client when it could not be created, so
// every remote call reports why.
type offlineEngine struct{ err error }

func (o offlineEngine) ComputeValue(context.Context, *earthengine.Node, any) error { return o.err }

func (o offlineEngine) CreateMap(context.Context, earthengine.Image, earthengine.Visualization) (string, error) {
	return "", o.err
}

func (o offlineEngine) FetchTile(context.Context, string, int, int, int) ([]byte, string, error) {
	return nil, "", o.err
}

func (o offlineEngine) DownloadURL(context.Context, earthengine.Image, earthengine.PixelGrid) (string, error) {
	return "", o.err
}

func (o offlineEngine) ComputePixels(context.Context, earthengine.Image, earthengine.PixelGrid) ([]byte, error) {
	return nil, o.err
}

// App struct
type App struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger
	env      config.Env
	settings *config.UserSettings
	mu       sync.Mutex

	engine     engine
	msgs       *messages.Log
	dispatcher *session.Dispatcher
	stopped    chan struct{}

	tileCache  *cache.DiskCache
	tileServer *tileserver.Server
	exporter   *export.Exporter
	taskQueue  *taskqueue.QueueManager
	catalog    *catalog.Catalog
	geocoder   *geocode.Client
	tracker    *telemetry.Tracker
}

// NewApp creates a new App application struct
func NewApp() *App {
	env := config.LoadEnv()
	logger := logging.Must(env.DevMode)

	settings, err := config.LoadSettings()
	if err != nil {
		logger.Warn("failed to load settings, using defaults", zap.Error(err))
		settings = config.DefaultSettings()
	}
	logger.Info("settings loaded", zap.String("path", config.GetSettingsPath()))

	tileCache, err := cache.NewDiskCache(cache.GetCacheDir(), settings.CacheMaxSizeMB, settings.CacheTTL())
	if err != nil {
		logger.Warn("failed to initialize cache, continuing without it", zap.Error(err))
		tileCache = nil
	}

	if env.PostHogKey == "" {
		env.PostHogKey, env.PostHogHost = PostHogKey, PostHogHost
	}

	return &App{
		logger:   logger,
		env:      env,
		settings: settings,
		msgs:     messages.NewLog(settings.MessageTTLs()),
		stopped:  make(chan struct{}),

		tileCache: tileCache,
		taskQueue: taskqueue.NewQueueManager(config.QueueDir(), logger),
		geocoder:  geocode.NewClient(""),
		tracker: telemetry.New(env.PostHogKey, env.PostHogHost,
			filepath.Join(config.BaseDir(), "install_id"), settings.TelemetryOptOut, logger),
	}
}

// newEngine authenticates with the environment's service account.
func newEngine(ctx context.Context, env config.Env, logger *zap.Logger) (engine, error) {
	creds, err := env.Credentials()
	if err != nil {
		return offlineEngine{err: err}, err
	}
	client, err := earthengine.NewClient(ctx, creds,
		earthengine.WithEndpoint(env.Endpoint),
		earthengine.WithProject(env.Project),
		earthengine.WithLogger(logger))
	if err != nil {
		return offlineEngine{err: err}, err
	}
	return client, nil
}

// startup is called when the app starts
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	os.MkdirAll(a.settings.OutputPath, 0755)

	eng, err := newEngine(ctx, a.env, a.logger)
	if err != nil {
		a.logger.Error("engine unavailable", zap.Error(err))
	}
	a.engine = eng
	a.catalog = catalog.New(eng, catalog.WithLogger(a.logger))
	a.exporter = export.New(eng,
		export.WithCache(a.tileCache),
		export.WithLogger(a.logger),
		export.WithRetry(a.settings.RetryPolicy(), func(msg string) { a.msgs.Warn(msg) }))

	a.tileServer = tileserver.NewServer(eng, a.tileCache, a.logger)
	if err := a.tileServer.Start(); err != nil {
		wailsRuntime.LogError(ctx, fmt.Sprintf("Failed to start tile server: %v", err))
	}

	a.msgs.Subscribe(func(entries []messages.Entry) {
		wailsRuntime.EventsEmit(ctx, "messages", entries)
	})

	a.dispatcher = session.NewDispatcher(eng, session.Options{
		Logger:        a.logger,
		Messages:      a.msgs,
		Retry:         a.settings.RetryPolicy(),
		MaxConcurrent: int64(a.settings.MaxConcurrentMaterializations),
		LayerURL:      a.tileServer.LayerURL,
	})
	a.dispatcher.SetCallbacks(
		func(v session.View) { wailsRuntime.EventsEmit(ctx, "session-view", v) },
		func(v session.View) { wailsRuntime.EventsEmit(ctx, "session-reset", v) },
	)
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go func() {
		defer close(a.stopped)
		a.dispatcher.Run(runCtx)
	}()

	// Set up task queue callbacks and executor
	a.taskQueue.SetExecutor(a)
	a.taskQueue.SetCallbacks(
		func(status taskqueue.QueueStatus) {
			wailsRuntime.EventsEmit(ctx, "task-queue-update", status)
		},
		func(taskID string, progress taskqueue.TaskProgress) {
			wailsRuntime.EventsEmit(ctx, "task-progress", map[string]interface{}{
				"taskId":   taskID,
				"progress": progress,
			})
		},
		a.onTaskComplete,
	)
	a.taskQueue.Resume()

	if err != nil {
		a.msgs.Error(session.UserMessage(err))
	}

	a.tracker.Track(telemetry.AppStarted, map[string]interface{}{
		"version": a.GetAppVersion(),
		"os":      goruntime.GOOS,
		"arch":    goruntime.GOARCH,
	})
}

// Shutdown cleans up resources
func (a *App) Shutdown(ctx context.Context) {
	if a.taskQueue != nil {
		a.taskQueue.Close()
	}
	if a.cancel != nil {
		a.cancel()
		<-a.stopped
	}
	if a.tileServer != nil {
		a.tileServer.Shutdown(ctx)
	}
	if a.tileCache != nil {
		a.tileCache.Close()
	}
	a.tracker.Close()
	a.logger.Sync()
}

// GetAppVersion returns the current application version
func (a *App) GetAppVersion() string {
	return AppVersion
}

// fail reports err to the message log and hands it back to the caller.
func (a *App) fail(err error) error {
	if err != nil {
		a.msgs.Error(session.UserMessage(err))
	}
	return err
}

// guard turns a panic in a bound method into a message.
func (a *App) guard(method string) {
	if p := recover(); p != nil {
		a.logger.Error("bound method panicked", zap.String("method", method), zap.Any("panic", p))
		a.msgs.Error(session.UserMessage(fmt.Errorf("internal error: %v", p)))
	}
}

// submit hands a command to the session without waiting for its
// background part; failures there reach the message log on their own.
func (a *App) submit(cmd session.Command) error {
	_, err := a.dispatcher.Submit(a.ctx, cmd)
	return a.fail(err)
}

// ===================
// Session
// ===================

// GetView returns the current session snapshot.
func (a *App) GetView() (session.View, error) {
	defer a.guard("GetView")
	v, err := a.dispatcher.Snapshot(a.ctx)
	return v, a.fail(err)
}

// GetMessages returns the visible messages.
func (a *App) GetMessages() []messages.Entry {
	return a.msgs.Snapshot()
}

func regionKind(kind string) (session.RegionKind, error) {
	switch session.RegionKind(kind) {
	case session.RegionQuery, session.RegionReference:
		return session.RegionKind(kind), nil
	}
	return "", fmt.Errorf("unknown region kind %q", kind)
}

// SetRegion sets the query or reference region from a drawn GeoJSON shape.
func (a *App) SetRegion(kind string, geojson string) error {
	defer a.guard("SetRegion")
	k, err := regionKind(kind)
	if err != nil {
		return a.fail(err)
	}
	region, err := geo.FromGeoJSON([]byte(geojson))
	if err != nil {
		return a.fail(err)
	}
	return a.submit(session.SetRegion{Kind: k, Region: region})
}

// UploadRegion lets the user pick a GeoJSON, GeoPackage or zipped shapefile
// and sets it as the query or reference region.
func (a *App) UploadRegion(kind string) error {
	defer a.guard("UploadRegion")
	k, err := regionKind(kind)
	if err != nil {
		return a.fail(err)
	}
	path, err := wailsRuntime.OpenFileDialog(a.ctx, wailsRuntime.OpenDialogOptions{
		Title: "Select Region File",
		Filters: []wailsRuntime.FileFilter{{
			DisplayName: "Regions (*.geojson, *.json, *.gpkg, *.zip)",
			Pattern:     "*.geojson;*.json;*.gpkg;*.zip",
		}},
	})
	if err != nil || path == "" {
		return a.fail(err)
	}
	return a.UploadRegionFile(string(k), path)
}

// UploadRegionFile sets a region from a file on disk.
func (a *App) UploadRegionFile(kind, path string) error {
	defer a.guard("UploadRegionFile")
	k, err := regionKind(kind)
	if err != nil {
		return a.fail(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return a.fail(fmt.Errorf("failed to read %s: %w", filepath.Base(path), err))
	}
	region, err := geo.ParseUpload(filepath.Base(path), data)
	if err != nil {
		return a.fail(err)
	}
	if err := a.submit(session.SetRegion{Kind: k, Region: region}); err != nil {
		return err
	}
	a.msgs.Info(fmt.Sprintf("Loaded %s region from %s.", k, filepath.Base(path)))
	return nil
}

// SetPeriod sets the default period of new aliases. Dates are YYYY-MM-DD or
// DD/MM/YYYY.
func (a *App) SetPeriod(start, end string) error {
	defer a.guard("SetPeriod")
	s, err := common.ParseAnyDate(start)
	if err != nil {
		return a.fail(err)
	}
	e, err := common.ParseAnyDate(end)
	if err != nil {
		return a.fail(err)
	}
	return a.submit(session.SetPeriod{Start: s, End: e})
}

// AliasRequest is the alias form of the frontend. Empty dates use the
// session period.
type AliasRequest struct {
	Name        string `json:"name"`
	Dataset     string `json:"dataset"`
	Band        string `json:"band"`
	Aggregation string `json:"aggregation"`
	Start       string `json:"start"`
	End         string `json:"end"`
}

func (r AliasRequest) definition() (variables.Definition, error) {
	d := variables.Definition{
		Name:        strings.TrimSpace(r.Name),
		Dataset:     strings.TrimSpace(r.Dataset),
		Band:        strings.TrimSpace(r.Band),
		Aggregation: variables.Aggregation(r.Aggregation),
	}
	var err error
	if strings.TrimSpace(r.Start) != "" {
		if d.Start, err = common.ParseAnyDate(r.Start); err != nil {
			return d, err
		}
	}
	if strings.TrimSpace(r.End) != "" {
		if d.End, err = common.ParseAnyDate(r.End); err != nil {
			return d, err
		}
	}
	return d, nil
}

// AddAlias builds a variable in the background.
func (a *App) AddAlias(req AliasRequest) error {
	defer a.guard("AddAlias")
	def, err := req.definition()
	if err != nil {
		return a.fail(err)
	}
	return a.submit(session.AddAlias{Def: def})
}

func (a *App) RemoveAlias(name string) error {
	defer a.guard("RemoveAlias")
	return a.submit(session.RemoveAlias{Name: name})
}

// AddFeature adds a feature from its name:expression text.
func (a *App) AddFeature(text string) error {
	defer a.guard("AddFeature")
	return a.submit(session.AddFeature{Text: text})
}

func (a *App) RemoveFeature(name string) error {
	defer a.guard("RemoveFeature")
	return a.submit(session.RemoveFeature{Name: name})
}

func (a *App) SetDistance(name string) error {
	defer a.guard("SetDistance")
	f, err := similarity.Parse(name)
	if err != nil {
		return a.fail(err)
	}
	return a.submit(session.SetDistance{Func: f})
}

func (a *App) SetLandCover(class string) error {
	defer a.guard("SetLandCover")
	return a.submit(session.SetLandCover{Class: class})
}

// SetTask switches between search and cluster.
func (a *App) SetTask(task string, clusters int) error {
	defer a.guard("SetTask")
	return a.submit(session.SetTask{Task: task, Clusters: clusters})
}

func (a *App) SetThreshold(value float64) error {
	defer a.guard("SetThreshold")
	return a.submit(session.SetThreshold{Value: value})
}

// Execute runs the current task.
func (a *App) Execute() error {
	defer a.guard("Execute")
	v, err := a.dispatcher.Snapshot(a.ctx)
	if err != nil {
		return a.fail(err)
	}
	if err := a.submit(session.Execute{}); err != nil {
		return err
	}
	event := telemetry.SearchExecuted
	if v.Task == spec.TaskCluster {
		event = telemetry.ClusterExecuted
	}
	a.tracker.Track(event, map[string]interface{}{
		"aliases":  len(v.Aliases),
		"features": len(v.Features),
		"distance": v.Distance,
	})
	return nil
}

// Reset clears the whole session.
func (a *App) Reset() error {
	defer a.guard("Reset")
	return a.submit(session.Reset{})
}

// Inspect reports per-feature similarity at a clicked point.
func (a *App) Inspect(lon, lat float64) ([]analysis.Similarity, error) {
	defer a.guard("Inspect")
	sims, err := a.dispatcher.Inspect(a.ctx, lon, lat)
	return sims, a.fail(err)
}

// Options lists the fixed choices of the forms.
type Options struct {
	Aggregations []string `json:"aggregations"`
	Distances    []string `json:"distances"`
	LandCover    []string `json:"landCover"`
	MinClusters  int      `json:"minClusters"`
	MaxClusters  int      `json:"maxClusters"`
}

func (a *App) GetOptions() Options {
	o := Options{
		LandCover:   analysis.LandCoverOptions(),
		MinClusters: session.MinClusters,
		MaxClusters: session.MaxClusters,
	}
	for _, agg := range variables.Aggregations {
		o.Aggregations = append(o.Aggregations, string(agg))
	}
	for _, f := range similarity.All {
		o.Distances = append(o.Distances, string(f))
	}
	return o
}

// ===================
// Spec files
// ===================

// ExportSpec writes the session as a YAML spec into the output directory.
func (a *App) ExportSpec() (string, error) {
	defer a.guard("ExportSpec")
	s, err := a.dispatcher.PrepareSpec(a.ctx)
	if err != nil {
		return "", a.fail(err)
	}
	path, err := spec.WriteFile(a.outputPath(), s)
	if err != nil {
		return "", a.fail(err)
	}
	a.logger.Info("spec exported", zap.String("path", path))
	if link := a.env.PublicLink(path); link != "" {
		a.msgs.Link("Download link: " + link)
	} else {
		a.msgs.Info("Spec saved to " + path)
	}
	a.tracker.Track(telemetry.SpecExported, nil)
	return path, nil
}

// ImportSpec lets the user pick a spec file and rebuilds the session.
func (a *App) ImportSpec() error {
	defer a.guard("ImportSpec")
	path, err := wailsRuntime.OpenFileDialog(a.ctx, wailsRuntime.OpenDialogOptions{
		Title:            "Select Session Spec",
		DefaultDirectory: a.outputPath(),
		Filters: []wailsRuntime.FileFilter{{
			DisplayName: "Session spec (*.yaml, *.yml)",
			Pattern:     "*.yaml;*.yml",
		}},
	})
	if err != nil || path == "" {
		return a.fail(err)
	}
	return a.ImportSpecFile(path)
}

// ImportSpecFile rebuilds the session from a spec on disk, waiting for
// every alias to be built.
func (a *App) ImportSpecFile(path string) error {
	defer a.guard("ImportSpecFile")
	s, err := spec.ReadFile(path)
	if err != nil {
		return a.fail(err)
	}
	a.msgs.Info("Importing " + filepath.Base(path) + "...")
	if err := a.dispatcher.ImportSpec(a.ctx, s); err != nil {
		return a.fail(err)
	}
	a.msgs.Info("Spec imported.")
	a.tracker.Track(telemetry.SpecImported, map[string]interface{}{"task": s.Task, "aliases": len(s.Aliases)})
	return nil
}

// ===================
// Catalog and search
// ===================

// GetBands lists the bands of a catalog dataset.
func (a *App) GetBands(datasetID string) ([]string, error) {
	defer a.guard("GetBands")
	ctx, cancel := context.WithTimeout(a.ctx, a.settings.RetryPolicy().Timeout*3)
	defer cancel()
	bands, err := a.catalog.Bands(ctx, datasetID)
	if errors.Is(err, catalog.ErrNoBands) {
		a.msgs.Error("Error loading bands.")
		return nil, err
	}
	return bands, a.fail(err)
}

// SearchDatasets searches the dataset lists by keywords.
func (a *App) SearchDatasets(query string) ([]catalog.Dataset, error) {
	defer a.guard("SearchDatasets")
	results, err := a.catalog.Search(a.ctx, query)
	return results, a.fail(err)
}

// SearchLocation geocodes a place name for the map to jump to.
func (a *App) SearchLocation(query string) (*geocode.Place, error) {
	defer a.guard("SearchLocation")
	place, err := a.geocoder.Search(a.ctx, query)
	if errors.Is(err, geocode.ErrNotFound) {
		a.msgs.Info("No location found. Please try again.")
		return nil, nil
	}
	if err != nil {
		return nil, a.fail(err)
	}
	return &place, nil
}

// GetTileServerURL returns the local tile proxy address.
func (a *App) GetTileServerURL() string {
	return a.tileServer.GetTileServerURL()
}

// ===================
// Output folder
// ===================

func (a *App) outputPath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.OutputPath
}

// SelectOutputFolder opens a folder picker dialog
func (a *App) SelectOutputFolder() (string, error) {
	path, err := wailsRuntime.OpenDirectoryDialog(a.ctx, wailsRuntime.OpenDialogOptions{
		Title:            "Select Output Folder",
		DefaultDirectory: a.outputPath(),
	})
	if err != nil {
		return "", err
	}

	if path != "" {
		if err := os.MkdirAll(path, 0755); err != nil {
			return "", a.fail(err)
		}
		a.mu.Lock()
		a.settings.OutputPath = path
		err := config.SaveSettings(a.settings)
		a.mu.Unlock()
		if err != nil {
			return "", a.fail(err)
		}
	}

	return path, nil
}

// OpenOutputFolder opens the output directory in the OS file explorer
func (a *App) OpenOutputFolder() error {
	return a.OpenFolder(a.outputPath())
}

// OpenFolder opens a specific folder in the OS file explorer
func (a *App) OpenFolder(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("folder does not exist: %s", path)
	}

	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", path)
	default: // Linux and others
		cmd = exec.Command("xdg-open", path)
	}
	return cmd.Start()
}

// elapsed formats a task duration for messages.
func elapsed(start string) string {
	t, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return ""
	}
	return time.Since(t).Round(time.Second).String()
}
