package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/index"
	"github.com/andresmejia3/facegate/internal/log"
	"github.com/andresmejia3/facegate/internal/recognize"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// Options holds the flags of the run command
type Options struct {
	InputPath      string
	IRPath         string
	Source         string
	NthFrame       int
	MatchThreshold float64
	NoLiveness     bool
	SingleFace     bool
	Backend        string
}

var runOpts Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Track faces in a video and run liveness and recognition on them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(cmd.Context(), runOpts)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.InputPath, "input", "i", "", "Path to the RGB video")
	runCmd.Flags().StringVar(&runOpts.IRPath, "ir", "", "Path to a frame-aligned infrared video (enables IR liveness)")
	runCmd.Flags().StringVarP(&runOpts.Source, "source", "s", "", "Name under which track IDs are persisted (default: input file name)")
	runCmd.Flags().IntVarP(&runOpts.NthFrame, "nth-frame", "n", 1, "Dispatch recognition every Nth frame (tracking runs on every frame)")
	runCmd.Flags().Float64VarP(&runOpts.MatchThreshold, "threshold", "t", 0, "Similarity threshold override (0 keeps the config value)")
	runCmd.Flags().BoolVar(&runOpts.NoLiveness, "no-liveness", false, "Skip liveness and search on the feature alone")
	runCmd.Flags().BoolVar(&runOpts.SingleFace, "single-face", false, "Only track the largest face")
	runCmd.Flags().StringVarP(&runOpts.Backend, "backend", "b", "", "Identity search backend override: postgres, hnsw")

	runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}

// runRun wires the engine process, the identity store and the recognition
// session together and feeds it frames decoded by ffmpeg.
func runRun(ctx context.Context, opts Options) error {
	if err := validateRunFlags(&opts); err != nil {
		utils.Die("Invalid flags", err, nil)
	}
	cfg := applyRunOverrides(Cfg, opts)

	width, height, err := utils.GetVideoDimensions(ctx, opts.InputPath)
	if err != nil {
		utils.Die("Failed to read video dimensions", err, nil)
	}
	cfg.Display.PreviewWidth, cfg.Display.PreviewHeight = width, height
	if err := cfg.Validate(); err != nil {
		utils.Die("Invalid configuration", err, nil)
	}

	// 1. Identity search backend
	var ids recognize.IdentityStore = DB
	if cfg.Store.Backend == "hnsw" {
		idx, err := index.Load(ctx, DB)
		if err != nil {
			utils.Die("Failed to build identity index", err, nil)
		}
		fmt.Fprintf(os.Stderr, "🧠 Loaded %d identities into the HNSW index\n", idx.Len())
		ids = idx
	}

	// 2. Engine process
	fmt.Fprintf(os.Stderr, "⚙️  Starting engine: %s %s\n", cfg.Engine.Command, strings.Join(cfg.Engine.Args, " "))
	eng, err := worker.NewPythonWorker(ctx, 0, worker.Config{
		Command:              cfg.Engine.Command,
		Args:                 cfg.Engine.Args,
		ReadTimeout:          cfg.Engine.ReadTimeout,
		RGBLivenessThreshold: cfg.RGBLivenessThreshold,
		IRLivenessThreshold:  cfg.IRLivenessThreshold,
	})
	if err != nil {
		utils.Die("Engine startup failed", err, nil)
	}
	defer eng.Close()

	// 3. Recognition session
	listener := &consoleListener{w: os.Stderr}
	helper, err := recognize.New(ctx, recognize.Options{
		Config:    cfg,
		Engine:    eng,
		Store:     ids,
		HighWater: DB,
		Source:    opts.Source,
		Listener:  listener,
	})
	if err != nil {
		utils.Die("Failed to start recognition session", err, eng.Cmd)
	}
	fmt.Fprintf(os.Stderr, "📼 Session %s on %s (%dx%d)\n", helper.Session()[:8], opts.Source, width, height)
	if fps, err := utils.GetVideoFPS(ctx, opts.InputPath); err == nil {
		log.Info("video source opened", "source", opts.Source, "width", width, "height", height, "fps", fps)
	} else {
		log.Debug("frame rate unavailable", "source", opts.Source, "error", err)
	}

	// 4. Decoders
	primary, err := startDecoder(ctx, opts.InputPath, types.FormatRGB24)
	if err != nil {
		utils.Die("Failed to start FFmpeg", err, primary.cmd)
	}
	var ir *decoder
	if opts.IRPath != "" {
		irW, irH, err := utils.GetVideoDimensions(ctx, opts.IRPath)
		if err != nil {
			utils.Die("Failed to read IR video dimensions", err, nil)
		}
		// IR is decoded as single-channel gray so the engine can tell the sensors apart
		if ir, err = startDecoder(ctx, opts.IRPath, types.FormatGray); err != nil {
			utils.Die("Failed to start FFmpeg for IR", err, ir.cmd)
		}
		ir.width, ir.height = irW, irH
	}
	primary.width, primary.height = width, height

	total := utils.GetTotalFrames(ctx, opts.InputPath)
	if total <= 0 {
		// Fallback to a spinner if ffprobe fails
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 facegate"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	listener.bar = bar

	// 5. Frame loop
	frames := 0
	for ctx.Err() == nil {
		// Frames are retained by worker goroutines, so every frame gets a fresh buffer
		frame, err := primary.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				fmt.Fprintf(os.Stderr, "\n⚠️  Stopping on truncated frame: %v\n", err)
				log.Warn("truncated frame", "frame", frames, "error", err)
			}
			break
		}
		var secondary *types.Frame
		if ir != nil {
			if f, err := ir.next(); err == nil {
				secondary = &f
			}
		}
		frames++
		helper.OnFrame(ctx, frame, secondary, frames%opts.NthFrame == 0)
		bar.Add(1)
	}

	primary.stop(ctx)
	if ir != nil {
		ir.stop(ctx)
	}

	stats := helper.Stats()
	recognized := helper.Results()
	if err := helper.Close(context.Background()); err != nil {
		utils.ShowError("Failed to close session cleanly", err, nil)
	}
	bar.Finish()

	fmt.Fprintf(os.Stderr, "\n🏁 Run complete. %d frames (%d skipped), %d recognized, %d busy rejections. Next track ID: %d\n",
		stats.Frames, stats.SkippedFrames, stats.Results, stats.FeatureBusy+stats.LivenessBusy, stats.HighWater)
	printResults(os.Stderr, recognized)
	return nil
}

func validateRunFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return errors.New("input path is a directory, expected a video file")
	}
	if opts.IRPath != "" {
		if _, err := os.Stat(opts.IRPath); err != nil {
			return fmt.Errorf("unable to access IR file: %w", err)
		}
	}
	if opts.NthFrame < 1 {
		return fmt.Errorf("nth-frame must be >= 1, got %d", opts.NthFrame)
	}
	if opts.MatchThreshold < 0 || opts.MatchThreshold > 1.0 {
		return fmt.Errorf("threshold must be between 0.0 and 1.0, got %f", opts.MatchThreshold)
	}
	if opts.Backend != "" && opts.Backend != "postgres" && opts.Backend != "hnsw" {
		return fmt.Errorf("backend must be postgres or hnsw, got %q", opts.Backend)
	}
	if opts.Source == "" {
		opts.Source = filepath.Base(opts.InputPath)
	}
	return nil
}

// printResults lists the faces still recognized when the stream ended
func printResults(w io.Writer, results []recognize.Result) {
	for _, r := range results {
		fmt.Fprintf(w, "   👤 %s (track %d, score %.2f)\n", r.Identity.Name, r.TrackID, r.Score)
	}
}

// applyRunOverrides layers command flags over the loaded configuration
func applyRunOverrides(cfg config.Config, opts Options) config.Config {
	if opts.MatchThreshold > 0 {
		cfg.SimilarityThreshold = opts.MatchThreshold
	}
	if opts.NoLiveness {
		cfg.LivenessEnabled = false
	}
	if opts.SingleFace {
		cfg.SingleFace = true
	}
	if opts.Backend != "" {
		cfg.Store.Backend = opts.Backend
	}
	if opts.IRPath != "" {
		cfg.LivenessModality = "ir"
	}
	return cfg
}

// decoder streams packed raw frames out of an ffmpeg process
type decoder struct {
	cmd    *utils.SafeCommand
	out    io.ReadCloser
	format types.PixelFormat
	width  int
	height int
}

func startDecoder(ctx context.Context, path string, format types.PixelFormat) (*decoder, error) {
	c := utils.NewSafeCommand(ctx, "ffmpeg", utils.FFmpegRawArgs(path, format)...)
	d := &decoder{cmd: c, format: format}
	out, err := c.StdoutPipe()
	if err != nil {
		return d, err
	}
	d.out = out
	return d, c.Start()
}

func (d *decoder) next() (types.Frame, error) {
	buf := make([]byte, d.format.FrameSize(d.width, d.height))
	if _, err := io.ReadFull(d.out, buf); err != nil {
		return types.Frame{}, err
	}
	return types.Frame{Data: buf, Width: d.width, Height: d.height, Format: d.format}, nil
}

func (d *decoder) stop(ctx context.Context) {
	d.out.Close() // Ensure pipe is closed to prevent leaks/zombies
	if err := d.cmd.Wait(); err != nil && ctx.Err() == nil {
		utils.ShowError("FFmpeg execution failed", err, d.cmd)
	}
}

// consoleListener prints recognition events above the progress bar
type consoleListener struct {
	mu  sync.Mutex
	w   io.Writer
	bar *progressbar.ProgressBar
}

func (l *consoleListener) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bar != nil {
		l.bar.Clear()
	}
	fmt.Fprintf(l.w, format, args...)
}

func (l *consoleListener) NoticeChanged(id types.TrackID, notice string) {
	if notice == "" {
		return
	}
	l.printf("⚠️  Track %d: %s\n", id, notice)
}

func (l *consoleListener) ResultInserted(index int, r recognize.Result) {
	l.printf("✅ Track %d recognized as %s (identity %d, score %.2f) [#%d]\n", r.TrackID, r.Identity.Name, r.Identity.ID, r.Score, index)
}

func (l *consoleListener) ResultRemoved(index int, r recognize.Result) {
	l.printf("👋 %s left (track %d) [#%d]\n", r.Identity.Name, r.TrackID, index)
}
