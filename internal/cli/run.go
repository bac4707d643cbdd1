package cli

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"example.com/activitysync/internal/observability"
	httptransport "example.com/activitysync/internal/transport/http"
)

// NewRunCommand creates the long-running agent command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch connectivity and sync automatically until interrupted",
		Long: `Watch connectivity and sync automatically until interrupted.

The agent probes the server health endpoint on an interval. Each time the
server becomes reachable it refreshes the user roster and, when auto-sync
is on, drains the local queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(rt *runtime) error {
				return runAgent(cmd.Context(), rt)
			})
		},
	}
}

func runAgent(ctx context.Context, rt *runtime) error {
	var wg sync.WaitGroup
	if rt.cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := httptransport.NewServer(httptransport.ServerConfig{
			Address:      rt.cfg.MetricsAddress,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}, mux)

		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.logger.WithField("address", rt.cfg.MetricsAddress).Info("serving metrics")
			if err := httptransport.Serve(ctx, server, nil, 5*time.Second); err != nil {
				rt.logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	observability.RecordQueueDepth(len(rt.store.Queue(ctx)))
	rt.orch.Start(ctx)
	go rt.probe.Start(ctx)

	rt.logger.WithFields(logrus.Fields{
		"backend":  rt.cfg.BackendURL,
		"interval": rt.cfg.ProbeInterval.String(),
	}).Info("agent started")

	<-ctx.Done()
	rt.probe.Wait()
	rt.orch.Close()
	wg.Wait()

	rt.logger.Info("agent stopped")
	return nil
}
