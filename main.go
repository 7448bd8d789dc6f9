package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ReneHollander/zspa/zfs/config"
	"github.com/ReneHollander/zspa/zfs/spa"
	"github.com/ReneHollander/zspa/zfs/spacemap"
	"github.com/ReneHollander/zspa/zfs/vdev"
)

var (
	configFile string
	envFile    string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:           "zspa",
	Short:         "Create, inspect and serve storage pools kept in image files",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile, envFile)
		if err != nil {
			return err
		}
		slog.SetDefault(cfg.Logger(os.Stderr))
		return nil
	},
}

// storePath returns where the space maps of the pool on images live.
func storePath(images []string) string {
	if cfg.SpaceMapStore != "" {
		return cfg.SpaceMapStore
	}
	return images[0] + ".spacemaps"
}

func closeBackends(backends []vdev.Backend, err error) error {
	for _, b := range backends {
		if cerr := b.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}
	return err
}

// openPool imports the pool on images. The caller closes it.
func openPool(ctx context.Context, images []string) (*spa.Pool, error) {
	backends := make([]vdev.Backend, 0, len(images))
	for _, image := range images {
		b, err := vdev.OpenFile(image)
		if err != nil {
			return nil, closeBackends(backends, fmt.Errorf("error opening %q: %w", image, err))
		}
		backends = append(backends, b)
	}
	store, err := spacemap.OpenBoltStore(storePath(images))
	if err != nil {
		return nil, closeBackends(backends, err)
	}
	pool, err := spa.Open(ctx, backends, store, cfg.Pool(slog.Default()))
	if err != nil {
		if cerr := store.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
		return nil, err
	}
	return pool, nil
}

func withPool(ctx context.Context, images []string, fn func(pool *spa.Pool) error) (err error) {
	pool, err := openPool(ctx, images)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := pool.Close(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()
	return fn(pool)
}

var (
	createSize string
	createName string
)

var createCmd = &cobra.Command{
	Use:   "create <image>...",
	Short: "Create a pool on new image files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := humanize.ParseBytes(createSize)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", createSize, err)
		}
		backends := make([]vdev.Backend, 0, len(args))
		for _, image := range args {
			b, err := vdev.CreateFile(image, size)
			if err != nil {
				return closeBackends(backends, fmt.Errorf("error creating %q: %w", image, err))
			}
			backends = append(backends, b)
		}
		store, err := spacemap.OpenBoltStore(storePath(args))
		if err != nil {
			return closeBackends(backends, err)
		}
		pool, err := spa.Create(cmd.Context(), createName, backends, store, cfg.Pool(slog.Default()))
		if err != nil {
			if cerr := store.Close(); cerr != nil {
				err = multierror.Append(err, cerr)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created pool %s (%#x) with %d devices, %s\n",
			pool.Name(), pool.GUID(), len(pool.Vdevs()), humanize.IBytes(pool.Class().Space()))
		return pool.Close()
	},
}

func inspect(ctx context.Context, w io.Writer, pool *spa.Pool) error {
	ub := pool.Uberblock()
	fmt.Fprintf(w, "pool:      %s\n", pool.Name())
	fmt.Fprintf(w, "guid:      %#x\n", pool.GUID())
	fmt.Fprintf(w, "state:     %s\n", pool.State())
	fmt.Fprintf(w, "uberblock: %s\n", ub.String())
	fmt.Fprintf(w, "written:   %s\n", time.Unix(int64(ub.Timestamp), 0).UTC().Format(time.RFC3339))

	class := pool.Class()
	fmt.Fprintf(w, "space:     %s allocated, %s deferred, %s total\n",
		humanize.IBytes(class.Alloc()), humanize.IBytes(class.Deferred()), humanize.IBytes(class.Space()))

	for _, v := range pool.Vdevs() {
		lc, l, err := v.ReadBestConfig(ctx)
		if err != nil {
			return fmt.Errorf("vdev %d: %w", v.ID(), err)
		}
		s := v.Stats()
		fmt.Fprintf(w, "\nvdev %d: %s\n", v.ID(), s.Path)
		fmt.Fprintf(w, "  guid:      %#x\n", lc.GUID)
		fmt.Fprintf(w, "  state:     %s\n", s.State)
		fmt.Fprintf(w, "  label:     %d (txg %d)\n", l, lc.Txg)
		fmt.Fprintf(w, "  type:      %s\n", lc.Tree.Type)
		fmt.Fprintf(w, "  size:      %s physical, %s allocatable\n", humanize.IBytes(s.PSize), humanize.IBytes(s.ASize))
		fmt.Fprintf(w, "  metaslabs: %d of %s\n", len(lc.Tree.MetaslabArray), humanize.IBytes(1<<lc.Tree.MetaslabShift))

		g, ok := class.Group(v.ID())
		if !ok {
			continue
		}
		gs := g.Stats()
		fmt.Fprintf(w, "  group:     %s allocated, %d%% free, %d%% fragmented, allocatable %t\n",
			humanize.IBytes(gs.Alloc), gs.FreeCapacity, gs.Fragmentation, gs.Allocatable)
		for _, ms := range gs.Metaslabs {
			fmt.Fprintf(w, "    ms %3d  offset %#x  object %-4d  %-8s  alloc %s  weight %#x\n",
				ms.ID, ms.Start, ms.Object, ms.State, humanize.IBytes(ms.Allocated), ms.Weight)
		}
	}
	return nil
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>...",
	Short: "Print the active uberblock, the labels and the space usage of a pool",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), args, func(pool *spa.Pool) error {
			return inspect(cmd.Context(), cmd.OutOrStdout(), pool)
		})
	},
}

var (
	spacemapVdev     uint64
	spacemapMetaslab uint64
)

func dumpSpaceMap(w io.Writer, pool *spa.Pool, vdevID, msID uint64) error {
	g, ok := pool.Class().Group(vdevID)
	if !ok {
		return fmt.Errorf("vdev %d does not exist", vdevID)
	}
	ms, ok := g.Metaslab(msID)
	if !ok {
		return fmt.Errorf("metaslab %d of vdev %d does not exist", msID, vdevID)
	}
	sm := ms.SpaceMap()
	if sm == nil {
		fmt.Fprintf(w, "metaslab %d of vdev %d has no space map yet\n", msID, vdevID)
		return nil
	}
	entries, err := sm.Entries()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "object %d, %d words, %s allocated\n", sm.Object(), sm.Length(), humanize.IBytes(uint64(max(sm.Allocated(), 0))))
	for _, e := range entries {
		fmt.Fprintln(w, e.String())
	}
	return nil
}

var spacemapCmd = &cobra.Command{
	Use:   "spacemap <image>...",
	Short: "Dump the space map entries of one metaslab",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), args, func(pool *spa.Pool) error {
			return dumpSpaceMap(cmd.OutOrStdout(), pool, spacemapVdev, spacemapMetaslab)
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <image>...",
	Short: "Print the I/O queue statistics of every device as kstats",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPool(cmd.Context(), args, func(pool *spa.Pool) error {
			return writeQueueStats(cmd.OutOrStdout(), pool)
		})
	},
}

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve <image>...",
	Short: "Open a pool and export its metrics",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withPool(ctx, args, func(pool *spa.Pool) error {
			reg := prometheus.NewPedanticRegistry()
			if err := setup(reg, pool); err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

			errc := make(chan error, 1)
			go func() {
				errc <- srv.ListenAndServe()
			}()
			slog.Info("serving metrics", "pool", pool.Name(), "listen-addr", cfg.ListenAddr)

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "File with ZSPA_* variables, used if it exists")

	createCmd.Flags().StringVar(&createSize, "size", "128MiB", "Size of every image")
	createCmd.Flags().StringVar(&createName, "name", "zspa", "Pool name")

	spacemapCmd.Flags().Uint64Var(&spacemapVdev, "vdev", 0, "Vdev id")
	spacemapCmd.Flags().Uint64Var(&spacemapMetaslab, "metaslab", 0, "Metaslab id")

	serveCmd.Flags().StringVar(&listenAddr, "listen-addr", "", "Address and port to listen on, overrides the config")

	rootCmd.AddCommand(createCmd, inspectCmd, spacemapCmd, statsCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("zspa failed", "error", err)
		os.Exit(1)
	}
}
