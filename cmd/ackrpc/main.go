// Command ackrpc runs listeners, a router and the admin API from one YAML file.
//
//	ackrpc -config ackrpc.yaml
//
// With demo.enabled it also produces envelopes for demo.service, which makes a single process a
// complete loopback setup: the router discovers the process's own listeners and sends to them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ack-rpc/admin"
	"ack-rpc/client"
	"ack-rpc/codec"
	"ack-rpc/config"
	"ack-rpc/logger"
	"ack-rpc/message"
	"ack-rpc/middleware"
	"ack-rpc/registry"
	"ack-rpc/server"
	"ack-rpc/transport"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("ackrpc stopped with an error")
	}
	log.Info("ackrpc stopped gracefully")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, closeRegistry, err := openRegistry(cfg, log)
	if err != nil {
		return err
	}
	defer closeRegistry()

	pool, err := server.NewWorkerPool(cfg.Server.Workers, server.WithPoolLogger(log))
	if err != nil {
		return err
	}

	envelopes := codec.GetCodec(mustCodec(cfg.Demo.Codec))
	listeners, err := startListeners(cfg, reg, envelopes, pool, log)
	if err != nil {
		pool.Close(context.Background())
		return err
	}

	router := client.NewRouter(
		client.WithTransport(transport.Options{
			SendTimeout:       cfg.Transport.ClientSendTimeout,
			ReceiveTimeout:    cfg.Transport.ClientReceiveTimeout,
			ReconnectInterval: cfg.Transport.ReconnectInterval,
		}),
		client.WithHighWaterMark(cfg.Client.HighWaterMark),
		client.WithVirtualNodes(cfg.Client.VirtualNodes),
		client.WithLogger(log),
	)
	for _, svc := range cfg.Services {
		for _, address := range svc.Addresses {
			if err := router.RegisterAddress(svc.Name, address, cfg.ConnectionsFor(svc)); err != nil {
				shutdown(nil, listeners, router, pool, log)
				return fmt.Errorf("service %s: %w", svc.Name, err)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, service := range watchedServices(cfg) {
		service := service
		g.Go(func() error {
			err := router.Watch(gctx, reg, service, cfg.Client.ConnectionsPerAddress)
			if errors.Is(err, context.Canceled) || errors.Is(err, client.ErrRouterClosed) {
				return nil
			}
			return err
		})
	}

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewAdminHandler(router, listeners, pool, log).NewServer(cfg.Admin.Addr)
		g.Go(func() error {
			log.WithField("addr", cfg.Admin.Addr).Info("Starting admin API")
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin API: %w", err)
			}
			return nil
		})
	}

	if cfg.Demo.Enabled {
		g.Go(func() error {
			produce(gctx, router, envelopes, cfg.Demo, log)
			return nil
		})
	}

	<-gctx.Done()
	log.Info("Shutdown signal received")
	shutdown(adminServer, listeners, router, pool, log)

	stop()
	return g.Wait()
}

// shutdown closes the listeners before the pool so no new work reaches it while it drains.
// adminServer may be nil.
func shutdown(adminServer *http.Server, listeners []*server.Listener, router *client.Router, pool *server.WorkerPool, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Error shutting down admin API")
		}
	}
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			log.WithError(err).Error("Error closing listener")
		}
	}
	router.Close()
	if err := pool.Close(ctx); err != nil {
		log.WithError(err).Error("Worker pool did not drain in time")
	}
}

// openRegistry connects to etcd when endpoints are configured and otherwise returns an in-process
// registry, so a single process can still route to its own listeners.
func openRegistry(cfg *config.Config, log *logger.Logger) (registry.Registry, func(), error) {
	if len(cfg.Registry.Endpoints) == 0 {
		return registry.NewMemoryRegistry(), func() {}, nil
	}
	etcd, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to etcd: %w", err)
	}
	return etcd, func() {
		if err := etcd.Close(); err != nil {
			log.WithError(err).Error("Error closing etcd client")
		}
	}, nil
}

func startListeners(cfg *config.Config, reg registry.Registry, envelopes codec.Codec, pool *server.WorkerPool, log *logger.Logger) ([]*server.Listener, error) {
	opts := []server.Option{
		server.WithTransport(transport.Options{
			SendTimeout:       cfg.Transport.ServerSendTimeout,
			ReconnectInterval: cfg.Transport.ReconnectInterval,
		}),
		server.WithLogger(log),
		server.WithMiddleware(handlerMiddleware(cfg.Server, log)...),
	}

	var listeners []*server.Listener
	for _, address := range cfg.Server.Listen {
		lopts := opts
		if cfg.Server.ServiceName != "" {
			advertise := ""
			if len(cfg.Server.Listen) == 1 {
				advertise = cfg.Server.AdvertiseAddr
			}
			lopts = append(lopts[:len(lopts):len(lopts)], server.WithRegistry(reg, cfg.Server.ServiceName, advertise, cfg.Registry.TTL))
		}

		l, err := server.NewListener(address, envelopeHandler(envelopes, log), pool, lopts...)
		if err != nil {
			for _, started := range listeners {
				started.Close()
			}
			return nil, err
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

func handlerMiddleware(cfg config.ServerConfig, log *logger.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.Logging(log)}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		mws = append(mws, middleware.RateLimit(cfg.RateLimit, burst))
	}
	if cfg.HandlerRetries > 0 {
		mws = append(mws, middleware.Retry(cfg.HandlerRetries, 50*time.Millisecond))
	}
	if cfg.HandlerTimeout > 0 {
		mws = append(mws, middleware.Timeout(cfg.HandlerTimeout))
	}
	return mws
}

func watchedServices(cfg *config.Config) []string {
	services := append([]string(nil), cfg.Registry.Watch...)
	if len(cfg.Registry.Endpoints) == 0 && cfg.Server.ServiceName != "" {
		services = append(services, cfg.Server.ServiceName)
	}
	return services
}

// envelopeHandler decodes demo envelopes and logs their delivery latency.
func envelopeHandler(envelopes codec.Codec, log *logger.Logger) middleware.HandlerFunc {
	log = log.Component("demo_handler")
	return func(ctx context.Context, payload []byte) error {
		var env message.Envelope
		if err := envelopes.Decode(payload, &env); err != nil {
			return middleware.Permanent(fmt.Errorf("decode envelope: %w", err))
		}
		log.WithFields(map[string]interface{}{
			"key":     env.Key,
			"latency": time.Since(time.Unix(0, env.SentAt)),
			"body":    string(env.Body),
		}).Info("envelope received")
		return nil
	}
}

func produce(ctx context.Context, router *client.Router, envelopes codec.Codec, cfg config.DemoConfig, log *logger.Logger) {
	log = log.Component("demo_producer").WithField("service", cfg.Service)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		env := &message.Envelope{
			SentAt: time.Now().UnixNano(),
			Body:   []byte(fmt.Sprintf("message %d", i)),
		}
		if cfg.Keys > 0 {
			env.Key = fmt.Sprintf("key-%d", i%cfg.Keys)
		}
		payload, err := envelopes.Encode(env)
		if err != nil {
			log.WithError(err).Error("encode envelope")
			continue
		}

		if env.Key == "" {
			err = router.SendAny(cfg.Service, payload)
		} else {
			err = router.Send(cfg.Service, env.Key, payload)
		}
		if err != nil {
			// Typically the service has no addresses yet.
			log.WithError(err).Debug("send skipped")
		}
	}
}

func mustCodec(name string) codec.CodecType {
	ct, err := codec.ParseCodecType(name)
	if err != nil {
		// Validate already rejected unknown names.
		panic(err)
	}
	return ct
}
