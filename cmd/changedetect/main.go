package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/changedetect"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
	"github.com/airbusgeo/osio/gcs"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	adst "go.airbusds-geo.com/gcp/storage"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configFile  string
	verbose     bool
	blocksize   string
	numBlocks   int
	strictWrite bool
	run         runConfig
}

func newRootCommand() *cobra.Command {
	var opts options
	var startTime time.Time
	var gsOpener func(string) (io.ReadCloser, error)
	var uploader changedetect.Uploader

	cmd := &cobra.Command{
		Use:   "changedetect previous.tif latest.tif area.geojson output.tif",
		Short: "compute a log-ratio change raster between two SAR geotiffs",
		Args:  cobra.ExactArgs(4),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			startTime = time.Now()
			if !opts.verbose {
				os.Setenv("LOGLEVEL", "info")
				log.Structured()
			}
			var file runConfig
			if opts.configFile != "" {
				var err error
				if file, err = loadRunConfig(opts.configFile); err != nil {
					return err
				}
			}
			opts.run.merge(file, cmd.Flags().Changed)
			godal.RegisterAll()

			if !anyRemote(args) {
				return nil
			}
			ctx := cmd.Context()
			stcl, err := storage.NewClient(ctx)
			if err != nil {
				return fmt.Errorf("storage.newclient: %w", err)
			}
			adstcl, err := adst.New(ctx, adst.WithStorageClient(stcl))
			if err != nil {
				return fmt.Errorf("ads storage.new: %w", err)
			}
			gcsh, err := gcs.Handle(ctx, gcs.GCSClient(stcl))
			if err != nil {
				return fmt.Errorf("gcs.handle: %w", err)
			}
			gcsa, err := osio.NewAdapter(gcsh, osio.BlockSize(opts.blocksize), osio.NumCachedBlocks(opts.numBlocks))
			if err != nil {
				return fmt.Errorf("osio.new: %w", err)
			}
			if err := godal.RegisterVSIHandler("gs://", gcsa); err != nil {
				return fmt.Errorf("register osio: %w", err)
			}
			gsOpener = func(name string) (io.ReadCloser, error) {
				if !strings.HasPrefix(name, "gs://") {
					return os.Open(name)
				}
				r, err := gcsa.Reader(name)
				if err != nil {
					return nil, err
				}
				return io.NopCloser(r), nil
			}
			uploader = adstcl
			return nil
		},
		PostRun: func(cmd *cobra.Command, _ []string) {
			log.Logger(cmd.Context()).Sugar().Debugf("change detection took %.1fs",
				time.Since(startTime).Seconds())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", "", "yaml run configuration, explicit flags take precedence")
	flags.BoolVar(&opts.verbose, "verbose", false, "verbose output")
	flags.StringVar(&opts.blocksize, "blocksize", "512k", "gs cache blocksize")
	flags.IntVar(&opts.numBlocks, "numblocks", 1000, "number of gs cached blocks")
	flags.BoolVar(&opts.strictWrite, "strict-write", false, "exit with an error when the output could not be written")
	opts.run.addFlags(flags)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		l := log.Logger(ctx).With(zap.String("run", uuid.New().String()))

		l.Info("started",
			zap.String("go", runtime.Version()),
			zap.String("previous", args[0]), zap.String("latest", args[1]),
			zap.String("area", args[2]), zap.String("output", args[3]),
			zap.String("crs", opts.run.CRS))

		rpopts, wopts, eopts, err := opts.run.options()
		if err != nil {
			return err
		}
		if gsOpener != nil {
			rpopts = append(rpopts, changedetect.SourceOpener(gsOpener))
		}
		if uploader != nil {
			wopts = append(wopts, changedetect.Uploads(uploader))
		}
		rp, err := changedetect.NewReprojector(rpopts...)
		if err != nil {
			return err
		}
		w, err := changedetect.NewWriter(wopts...)
		if err != nil {
			return err
		}
		ev, err := changedetect.New(append(eopts,
			changedetect.WithReprojector(rp), changedetect.WithWriter(w))...)
		if err != nil {
			return err
		}

		res, err := ev.Evaluate(ctx, changedetect.Request{
			Previous: args[0],
			Latest:   args[1],
			Area:     args[2],
			Output:   args[3],
			CRS:      changedetect.ParseCRS(opts.run.CRS),
		})
		if err != nil {
			l.Error("change detection failed", zap.Error(err))
			return err
		}
		if !res.Output.OK() {
			fmt.Fprintln(cmd.OutOrStdout(), "Unable to write data to GeoTiff!")
			fmt.Fprintln(cmd.OutOrStdout(), res.Output.Err)
			if opts.strictWrite {
				return res.Output.Err
			}
		}
		l.Info("complete",
			zap.Int("rows", res.Rows), zap.Int("cols", res.Cols),
			zap.Int("changed", res.Stats.Changed),
			zap.Float64("min", res.Stats.Min), zap.Float64("max", res.Stats.Max))
		return nil
	}
	return cmd
}

func anyRemote(names []string) bool {
	for _, n := range names {
		if strings.HasPrefix(n, "gs://") {
			return true
		}
	}
	return false
}
