package serve

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/biscuit-vm/vmpage/internal/diag"
	"github.com/biscuit-vm/vmpage/internal/introspect"
	"github.com/biscuit-vm/vmpage/internal/loader"
	"github.com/biscuit-vm/vmpage/internal/mem"
	"github.com/biscuit-vm/vmpage/internal/paging"
	"github.com/biscuit-vm/vmpage/internal/swap"
)

// NewCmd builds the "serve" subcommand: drive one demo process through a
// few faults and an eviction, print its diagnostic stream, then keep the
// resulting paging state exposed as Prometheus metrics until interrupted.
// Grounded in operator-registry's cmd/opm/serve for the
// cobra-command-as-long-running-server shape, pared down to this
// module's single-process scope.
func NewCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "expose a demo process's paging state as Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			pr, err := buildDemoProcess()
			if err != nil {
				return errors.Wrap(err, "serve: build demo process")
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(introspect.NewCollector(pr.St, pr.Stats()))

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

			srv := &http.Server{Addr: addr, Handler: mux}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logrus.WithField("addr", addr).Info("pgsim serve: listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9106", "address to serve /metrics on")
	return cmd
}

// buildDemoProcess loads a small synthetic image, grows its heap, and
// touches enough pages to force an eviction, so the exposed metrics show
// non-zero resident/swapped/eviction counts from the start.
func buildDemoProcess() (*paging.Process, error) {
	const textLen = 0x2000
	image := bytes.NewReader(bytes.Repeat([]byte{0xAA}, textLen))

	k := paging.NewKernel(mem.NewPool(2), swap.NewMemFilesystem())
	pr := paging.NewProcess(k, 1, image, diag.New(1, os.Stdout, logrus.StandardLogger()))

	segs := []loader.Segment{
		{VA: 0x1000, MemSz: 0x2000, FileSz: 0x2000, FileOffset: 0, Executable: true},
		{VA: 0x3000, MemSz: 0x1000, FileSz: 0, FileOffset: 0x2000, Executable: false},
	}
	if err := loader.Load(pr, segs, 0x10000, 1, false); err != nil {
		return nil, err
	}
	if _, kerr := loader.Grow(pr, 3*mem.PGSIZE, loader.GrowLazy); kerr != 0 {
		return nil, errors.Errorf("heap grow: %s", kerr)
	}
	heapStart := pr.St.Layout.HeapStart
	for _, va := range []int{heapStart, heapStart + mem.PGSIZE, heapStart + 2*mem.PGSIZE} {
		if kerr := pr.Fault(va, true); kerr != 0 {
			return nil, errors.Errorf("fault va=0x%x: %s", va, kerr)
		}
	}
	return pr, nil
}
