package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"

	"github.com/chaos-io/rmbg/bgremove"
	"github.com/chaos-io/rmbg/config"
	"github.com/chaos-io/rmbg/logging"
	"github.com/chaos-io/rmbg/rembg"
	"github.com/chaos-io/rmbg/util"
	nhttp "github.com/chaos-io/rmbg/util/http"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// app carries the process streams and the merged configuration. Flags are
// bound straight into cfg, so they override whatever the environment set.
type app struct {
	cfg    config.Config
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// execute runs the command line and returns the process exit status: 0 on
// success and 1 on any failure.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (code int) {
	defer func() {
		if r := recover(); r != nil {
			_, _ = fmt.Fprintf(stderr, "rmbg: unexpected failure: panic: %v\n", r)
			code = 1
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "rmbg: load config: %v\n", err)
		return 1
	}

	a := &app{cfg: cfg, stdin: stdin, stdout: stdout, stderr: stderr}
	cmd := a.rootCommand()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		// errors from RunE were already logged with their stage
		var convErr *bgremove.Error
		if !errors.As(err, &convErr) {
			_, _ = fmt.Fprintf(stderr, "rmbg: %v\n", err)
		}
		return 1
	}
	return 0
}

func (a *app) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rmbg",
		Short: "Remove the background of the image read from stdin",
		Long: "rmbg reads one encoded image (PNG, JPEG, GIF, WebP, BMP or TIFF) from stdin,\n" +
			"removes its background with a rembg server and writes a PNG with an alpha\n" +
			"channel to stdout. Diagnostics go to stderr.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.cfg.Validate()
		},
		RunE: a.runConvert,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.cfg.Rembg.URL, "url", a.cfg.Rembg.URL, "base URL of the rembg server")
	pf.DurationVar(&a.cfg.Rembg.Timeout, "timeout", a.cfg.Rembg.Timeout, "timeout of one call to the rembg server")
	pf.IntVar(&a.cfg.MaxSize, "max-size", a.cfg.MaxSize, "longest side sent to the model, 0 keeps the decoded size")
	pf.Int64Var(&a.cfg.MaxPixels, "max-pixels", a.cfg.MaxPixels, "largest accepted image in pixels, 0 disables the check")
	pf.Int64Var(&a.cfg.MaxInputBytes, "max-input-bytes", a.cfg.MaxInputBytes, "largest accepted input, 0 means unbounded")
	pf.BoolVar(&a.cfg.Rembg.AlphaMatting, "alpha-matting", a.cfg.Rembg.AlphaMatting, "refine edges with alpha matting")
	pf.BoolVar(&a.cfg.Rembg.PostProcessMask, "post-process-mask", a.cfg.Rembg.PostProcessMask, "clean up the mask on the server")
	pf.BoolVar(&a.cfg.Rembg.OnlyMask, "only-mask", a.cfg.Rembg.OnlyMask, "fetch the mask only and apply it locally")
	pf.IntVar(&a.cfg.Rembg.FeatherRadius, "feather", a.cfg.Rembg.FeatherRadius, "soften the mask edge over this many pixels")
	pf.StringVar(&a.cfg.Log.Level, "log-level", a.cfg.Log.Level, "trace, debug, info, warn or error")
	pf.StringVar(&a.cfg.Log.Format, "log-format", a.cfg.Log.Format, "console or json")
	pf.BoolVar(&a.cfg.Log.Stack, "stack", a.cfg.Log.Stack, "log stack traces of errors")

	cmd.AddCommand(a.serveCommand())
	return cmd
}

func (a *app) newLogger() (zerolog.Logger, error) {
	logger, err := logging.New(logging.Options{
		Level:  a.cfg.Log.Level,
		Format: a.cfg.Log.Format,
		Stack:  a.cfg.Log.Stack,
		Out:    a.stderr,
	})
	if err != nil {
		return logger, err
	}
	return logger.With().Str("run_id", ksuid.New().String()).Logger(), nil
}

func (a *app) newRemover(logger zerolog.Logger) *rembg.ServerRemover {
	return rembg.NewServerRemover(a.cfg.Rembg.URL,
		rembg.WithClient(nhttp.NewHTTPClientWithTimeout(a.cfg.Rembg.Timeout)),
		rembg.WithHealthPath(a.cfg.Rembg.HealthPath),
		rembg.WithAlphaMatting(a.cfg.Rembg.AlphaMatting),
		rembg.WithPostProcessMask(a.cfg.Rembg.PostProcessMask),
		rembg.WithOnlyMask(a.cfg.Rembg.OnlyMask),
		rembg.WithFeather(a.cfg.Rembg.FeatherRadius),
		rembg.WithLogger(logger),
	)
}

func logStartup(logger zerolog.Logger, mode string, cfg config.Config) {
	logger.Info().
		Str("mode", mode).
		Str("go", runtime.Version()).
		Str("os", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("pid", os.Getpid()).
		Str("backend", cfg.Rembg.URL).
		Int("max_size", cfg.MaxSize).
		Msg("rmbg starting")
}

// runConvert handles one image: stdin in, PNG out. Nothing reaches stdout
// unless the whole conversion succeeded.
func (a *app) runConvert(cmd *cobra.Command, _ []string) error {
	logger, err := a.newLogger()
	if err != nil {
		return err
	}
	logStartup(logger, "convert", a.cfg)
	defer util.Trace(logger, "convert")()

	data, err := util.ReadInput(a.stdin, a.cfg.MaxInputBytes)
	if err != nil {
		err = bgremove.NewError(bgremove.KindUnexpected, bgremove.StageRead, err)
		logger.Error().Str("stage", string(bgremove.StageRead)).Err(err).Msg("read stdin failed")
		return err
	}

	conv := bgremove.NewConverter(a.newRemover(logger),
		bgremove.WithLogger(logger),
		bgremove.WithMaxSize(a.cfg.MaxSize),
		bgremove.WithMaxPixels(a.cfg.MaxPixels),
	)
	out, err := conv.RemoveBackground(cmd.Context(), data)
	if err != nil {
		logger.Error().Str("kind", string(bgremove.KindOf(err))).Msg("conversion failed")
		return err
	}

	if _, err := a.stdout.Write(out); err != nil {
		err = bgremove.NewError(bgremove.KindUnexpected, bgremove.StageWrite, err)
		logger.Error().Str("stage", string(bgremove.StageWrite)).Err(err).Msg("write stdout failed")
		return err
	}
	logger.Info().Int("bytes", len(out)).Msg("conversion finished")
	return nil
}
