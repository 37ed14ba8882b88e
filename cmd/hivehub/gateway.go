package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nerrad567/hivehub/internal/bridges/binary"
	"github.com/nerrad567/hivehub/internal/channel"
	"github.com/nerrad567/hivehub/internal/client"
	"github.com/nerrad567/hivehub/internal/devicehost"
	"github.com/nerrad567/hivehub/internal/discovery"
	"github.com/nerrad567/hivehub/internal/infrastructure/config"
	"github.com/nerrad567/hivehub/internal/infrastructure/logging"
)

// metricsShutdownTimeout bounds the shutdown of the gateway metrics listener.
const metricsShutdownTimeout = 5 * time.Second

func gatewayCmd(load configLoader) *cobra.Command {
	var connections []string

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Bridge binary-protocol devices onto a hub",
		Long: `Run the binary gateway: devices on serial ports or TCP connections
register over the framed binary protocol and are registered with the hub.
Their notifications and command results are forwarded to the hub, and
commands for them are encoded onto their connection.

Examples:
  hivehub gateway --connection serial:///dev/ttyUSB0?baud=115200
  hivehub gateway --connection tcp://0.0.0.0:7000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if len(connections) > 0 {
				cfg.Gateway.Connections = connections
			}
			return runGateway(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringArrayVar(&connections, "connection", nil, "device connection URL (repeatable, replaces gateway.connections)")
	return cmd
}

// runGateway serves every configured connection until ctx is cancelled or
// one of them fails.
func runGateway(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateGateway(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	endpoints := make([]binary.Endpoint, 0, len(cfg.Gateway.Connections))
	for _, raw := range cfg.Gateway.Connections {
		ep, err := binary.ParseEndpoint(raw)
		if err != nil {
			return err
		}
		endpoints = append(endpoints, ep)
	}

	log := newLogger(cfg)
	log.Info("starting hivehub gateway", "version", version, "connections", len(endpoints))

	serviceURL := cfg.Client.ServiceURL
	if serviceURL == "" {
		var err error
		serviceURL, err = discovery.Lookup(ctx, cfg.Discovery, cfg.GetDiscoveryTimeout())
		if err != nil {
			return fmt.Errorf("discovering hub: %w", err)
		}
		log.Info("hub discovered", "service_url", serviceURL)
	}

	hubClient, err := newHubClient(cfg, serviceURL, log)
	if err != nil {
		return err
	}
	svc := devicehost.NewClientService(hubClient)
	defer svc.Close() //nolint:errcheck // best-effort

	gw := binary.NewGateway(svc, binary.GatewayConfig{
		NetworkName:        cfg.Gateway.Network.Name,
		NetworkKey:         cfg.Gateway.Network.Key,
		NetworkDescription: cfg.Gateway.Network.Description,
	})
	gw.SetLogger(log.With("component", "gateway"))
	defer func() {
		log.Info("stopping gateway")
		gw.Close() //nolint:errcheck // always nil
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		stop, err := serveGatewayMetrics(cfg.Metrics, gw, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	errCh := make(chan error, len(endpoints))
	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("serving device connection", "endpoint", ep.String())
			if err := gw.Serve(ctx, ep); err != nil {
				errCh <- fmt.Errorf("%s: %w", ep, err)
				cancel()
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return err
	}
	log.Info("shutdown signal received, gateway stopped")
	return nil
}

// newHubClient creates the hub client with channels in configured order.
func newHubClient(cfg *config.Config, serviceURL string, log *logging.Logger) (*client.Client, error) {
	c, err := client.New(client.ConnectionInfo{
		ServiceURL: serviceURL,
		Login:      cfg.Client.Login,
		Password:   cfg.Client.Password,
		AccessKey:  cfg.Client.AccessKey,
	},
		client.WithLogger(log.With("component", "client")),
		client.WithLongPollOptions(channel.LongPollOptions{RetryInterval: cfg.GetClientRetryInterval()}),
		client.WithWebSocketOptions(channel.WebSocketOptions{Timeout: cfg.GetClientRequestTimeout()}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating hub client: %w", err)
	}

	ordered := orderChannels(c.AvailableChannels(), cfg.Client.Channels)
	if err := c.SetAvailableChannels(ordered...); err != nil {
		return nil, fmt.Errorf("selecting channels: %w", err)
	}
	return c, nil
}

// orderChannels returns the channels named in names, in that order. Unknown
// names are skipped; an empty selection keeps every channel.
func orderChannels(available []channel.Channel, names []string) []channel.Channel {
	var out []channel.Channel
	for _, name := range names {
		for _, ch := range available {
			if ch.Name() == name {
				out = append(out, ch)
				break
			}
		}
	}
	if len(out) == 0 {
		return available
	}
	return out
}

// serveGatewayMetrics exposes the gateway gauges on their own listener.
func serveGatewayMetrics(cfg config.MetricsConfig, gw *binary.Gateway, log *logging.Logger) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := binary.RegisterMetrics(reg, gw); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listening for metrics on %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()
	log.Info("gateway metrics listening", "address", ln.Addr().String(), "path", cfg.Path)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		srv.Shutdown(ctx) //nolint:errcheck // best-effort
	}, nil
}
