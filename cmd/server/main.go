package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/minasoft/adt-gateway/internal/audit"
	"github.com/minasoft/adt-gateway/internal/config"
	"github.com/minasoft/adt-gateway/internal/consumers"
	"github.com/minasoft/adt-gateway/internal/engine"
	"github.com/minasoft/adt-gateway/internal/events"
	"github.com/minasoft/adt-gateway/internal/hl7"
	"github.com/minasoft/adt-gateway/internal/integration"
	"github.com/minasoft/adt-gateway/internal/lock"
	"github.com/minasoft/adt-gateway/internal/metrics"
	"github.com/minasoft/adt-gateway/internal/nats"
	"github.com/minasoft/adt-gateway/internal/reconcile"
	"github.com/minasoft/adt-gateway/internal/store"
	"github.com/minasoft/adt-gateway/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "adt-gateway",
		Short: "HL7 v2 ADT integration gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sendCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MLLP listener, forwarder and operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Deliver an HL7 message file to a remote MLLP endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _ := cmd.Flags().GetString("host")
			port, _ := cmd.Flags().GetInt("port")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			attempts, _ := cmd.Flags().GetInt("attempts")

			payload, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read message: %w", err)
			}

			client := hl7.NewMLLPClient(hl7.SenderConfig{
				Host:       host,
				Port:       port,
				Timeout:    timeout,
				Attempts:   attempts,
				RetryDelay: 2 * time.Second,
			})
			ack, err := client.SendMessage(cmd.Context(), normalizeSegments(payload))
			var nak *hl7.NegativeAckError
			if errors.As(err, &nak) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", nak.Code, nak.ControlID, nak.Text)
				return err
			}
			if err != nil {
				return err
			}
			code := ""
			if msa := ack.Segment("MSA"); msa != nil {
				code = msa.Field(1)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", code, ack.ControlID)
			return nil
		},
	}
	cmd.Flags().String("host", "localhost", "remote host")
	cmd.Flags().Int("port", 2575, "remote MLLP port")
	cmd.Flags().Duration("timeout", 30*time.Second, "acknowledgment timeout")
	cmd.Flags().Int("attempts", 3, "delivery attempts")
	return cmd
}

// normalizeSegments turns a file with newline-separated segments into a
// carriage-return separated message.
func normalizeSegments(payload []byte) []byte {
	s := strings.ReplaceAll(string(payload), "\r\n", "\r")
	s = strings.ReplaceAll(s, "\n", "\r")
	return []byte(strings.TrimRight(s, "\r") + "\r")
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	natsServer, err := nats.NewEmbeddedServer(cfg.DataDir)
	if err != nil {
		slog.Error("Failed to start NATS server", "error", err)
		return err
	}
	defer natsServer.Shutdown()
	js := natsServer.JetStream()

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		return err
	}
	defer st.Close()

	locker, closeLocker, err := openLocker(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open locker", "error", err)
		return err
	}
	defer closeLocker()

	gateway, err := audit.NewJetStreamGateway(ctx, js)
	if err != nil {
		slog.Error("Failed to open audit gateway", "error", err)
		return err
	}

	m, err := metrics.New()
	if err != nil {
		slog.Error("Failed to create metrics", "error", err)
		return err
	}

	var registry integration.Client = integration.Nop{}
	if cfg.RegistryURL != "" {
		registry = integration.NewRegistry(cfg.RegistryURL, cfg.RegistryTimeout)
	}

	unroutable := hl7.AckAccept
	if cfg.UnroutableAck == "reject" {
		unroutable = hl7.AckReject
	}
	ackMode, err := hl7.ParseAckMode(cfg.AckMode)
	if err != nil {
		return err
	}

	handler := engine.NewADTHandler(reconcile.New(st, locker, cfg.NationalSystem), st, locker, gateway, registry)
	eng := engine.New(engine.Options{
		Gateway:   gateway,
		Router:    engine.NewRouter(handler, unroutable),
		Acks:      hl7.NewAckBuilder(cfg.Application, cfg.Facility),
		AckMode:   ackMode,
		Publisher: events.NewJetStreamPublisher(js),
		Metrics:   m,
		Timeout:   cfg.MessageTimeout,
	})

	var wg sync.WaitGroup

	if cfg.ServerEnabled {
		mllpServer := hl7.NewMLLPServer(hl7.ServerConfig{
			Addr:           cfg.ListenAddr(),
			MaxConnections: cfg.MaxConnections,
			IdleTimeout:    cfg.IdleTimeout,
			MessageTimeout: cfg.MessageTimeout,
			MaxFrameSize:   cfg.MaxFrameBytes,
		}, eng, m)
		if err := mllpServer.Start(ctx); err != nil {
			slog.Error("Failed to start MLLP server", "error", err)
			return err
		}
		defer mllpServer.Stop()
	}

	if cfg.ForwardEnabled {
		sender := hl7.NewMLLPClient(hl7.SenderConfig{
			Host:       cfg.ForwardHost,
			Port:       cfg.ForwardPort,
			Timeout:    cfg.OutboundTimeout,
			Attempts:   cfg.OutboundAttempts,
			RetryDelay: cfg.OutboundRetryDelay,
		})
		forwarder, err := consumers.NewForwarder(ctx, js, sender, gateway, m, consumers.ForwarderConfig{
			Destination: sender.Addr(),
			AckWait:     sender.Budget() + 10*time.Second,
		})
		if err != nil {
			slog.Error("Failed to create forwarder", "error", err)
			return err
		}
		if err := forwarder.Start(ctx); err != nil {
			slog.Error("Failed to start forwarder", "error", err)
			return err
		}
	}

	webServer := web.NewServer(cfg.WebPort, web.Deps{
		JetStream: js,
		Store:     st,
		Gateway:   gateway,
		Replayer:  eng,
		Metrics:   m,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webServer.Start(ctx); err != nil {
			slog.Error("Web server error", "error", err)
		}
	}()

	slog.Info("ADT gateway started",
		"mllpAddr", cfg.ListenAddr(),
		"webPort", cfg.WebPort,
		"forwardEnabled", cfg.ForwardEnabled,
	)
	printStartupInfo(cfg)

	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping")

	wg.Wait()

	slog.Info("ADT gateway stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	pool, err := store.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	st := store.NewPostgresStore(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func openLocker(ctx context.Context, cfg *config.Config) (lock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		return lock.NewLocalLocker(), func() {}, nil
	}
	client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return lock.NewRedisLocker(client, cfg.LockTTL), func() { client.Close() }, nil
}

func printStartupInfo(cfg *config.Config) {
	info := `
╔═══════════════════════════════════════════════════════════════╗
║                     ADT Gateway Started                       ║
╠═══════════════════════════════════════════════════════════════╣
║ MLLP Listener        : %-39s ║
║ Acknowledgment Mode  : %-39s ║
║ Operator API         : http://localhost:%-22d ║
║                                                               ║
║ Forward Endpoint     : %-39s ║
╚═══════════════════════════════════════════════════════════════╝
`
	listener := "disabled"
	if cfg.ServerEnabled {
		listener = cfg.ListenAddr()
	}
	forward := "disabled"
	if cfg.ForwardEnabled {
		forward = fmt.Sprintf("%s:%d", cfg.ForwardHost, cfg.ForwardPort)
	}

	fmt.Printf(info,
		listener,
		cfg.AckMode,
		cfg.WebPort,
		forward,
	)
}
