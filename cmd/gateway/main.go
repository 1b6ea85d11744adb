// Command gateway runs the store-exit edge gateway: it fuses the ceiling
// people-counter, the POS payment listener, and the door status poller into
// per-customer journeys, opens the gate for authorized customers, and
// egresses completed journeys to a JSONL file, MQTT, and RabbitMQ.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"google.golang.org/grpc"

	envconfig "github.com/timour/edge-gateway/common/config"
	"github.com/timour/edge-gateway/common/logger"
	"github.com/timour/edge-gateway/internal/adminpb"
	"github.com/timour/edge-gateway/internal/config"
	"github.com/timour/edge-gateway/internal/discovery"
	"github.com/timour/edge-gateway/internal/domain"
	"github.com/timour/edge-gateway/internal/egress"
	"github.com/timour/edge-gateway/internal/gate"
	"github.com/timour/edge-gateway/internal/httpapi"
	"github.com/timour/edge-gateway/internal/metrics"
	"github.com/timour/edge-gateway/internal/mqttio"
	"github.com/timour/edge-gateway/internal/obs"
	"github.com/timour/edge-gateway/internal/paymentio"
	"github.com/timour/edge-gateway/internal/rs485"
	"github.com/timour/edge-gateway/internal/tracker"
)

// eventBufferSize is the capacity of the fused sensor/payment/door event
// channel every producer writes onto and the tracker drains.
const eventBufferSize = 1024

// gateCmdBufferSize is the capacity of the gate-open command queue between
// the tracker hot path and the gate worker.
const gateCmdBufferSize = 64

func main() {
	serviceName := envconfig.GetEnv("SERVICE_NAME", "edge-gateway")
	log := logger.NewLogger(serviceName)

	configPath := flag.String("config", "", "path to the site config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config_load_failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer cfg.Close()

	log.Info("starting_gateway", slog.String("site_id", cfg.SiteID))

	shutdownTracer, err := obs.InitTracer(serviceName, log)
	if err != nil {
		log.Error("tracer_init_failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdownTracer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown_signal_received", slog.String("signal", sig.String()))
		cancel()
	}()

	m := metrics.New()

	gateController := gate.New(gate.Config{
		Mode:      gateModeFromString(cfg.GateMode),
		URL:       cfg.GateURL,
		TimeoutMs: uint64(cfg.GateTimeoutMs),
		TCPAddr:   cfg.GateTCPAddr,
	}, log)
	gateWorker := gate.NewWorker(gateController, m, gateCmdBufferSize, log)
	go gateWorker.Run(ctx)
	if tcpClient, ok := gateController.TCPClient(); ok {
		go tcpClient.Run(ctx)
	}

	writer := egress.NewWriter(cfg.EgressFile, cfg.SiteID, eventBufferSize, log)
	go writer.Run()
	defer writer.Close()

	mqttPub := egress.NewMqttPublisher(
		cfg.MqttHost, cfg.MqttPort, cfg.MqttUsername, cfg.MqttPassword,
		egress.MqttTopics{
			Journeys: cfg.MqttEgressJourneysTopic,
			Events:   cfg.MqttEgressEventsTopic,
			Metrics:  cfg.MqttEgressMetricsTopic,
			Gate:     cfg.MqttEgressGateTopic,
			Tracks:   cfg.MqttEgressTracksTopic,
			Acc:      cfg.MqttEgressAccTopic,
		},
		eventBufferSize, log,
	)
	if err := mqttPub.Connect(); err != nil {
		log.Error("mqtt_egress_connect_failed", slog.Any("error", err))
		os.Exit(1)
	}
	go mqttPub.Run()
	defer mqttPub.Close()

	rabbit, err := egress.ConnectRabbit(cfg.RabbitUser, cfg.RabbitPass, cfg.RabbitHost, cfg.RabbitPort, log)
	if err != nil {
		log.Error("rabbitmq_egress_connect_failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer rabbit.Close()

	events := make(chan domain.ParsedEvent, eventBufferSize)

	trk := tracker.New(cfg, gateWorker, m, writer, mqttPub, rabbit, log)
	go trk.Run(ctx, events)

	mqttSensor := mqttio.New(mqttio.Config{
		Host:     cfg.MqttHost,
		Port:     cfg.MqttPort,
		Topic:    cfg.MqttTopic,
		Username: cfg.MqttUsername,
		Password: cfg.MqttPassword,
		ClientID: cfg.SiteID + "-sensor",
	}, log)
	go func() {
		if err := mqttSensor.Run(ctx, events); err != nil && ctx.Err() == nil {
			log.Error("mqtt_sensor_stopped", slog.Any("error", err))
		}
	}()

	if cfg.AccEnabled {
		accListener := paymentio.New(paymentio.Config{Port: cfg.AccPort, Enabled: cfg.AccEnabled}, log)
		go func() {
			if err := accListener.Run(ctx, events); err != nil && ctx.Err() == nil {
				log.Error("payment_listener_stopped", slog.Any("error", err))
			}
		}()
	}

	doorMonitor := rs485.New(rs485.Config{
		Device:        cfg.Rs485Device,
		Baud:          cfg.Rs485Baud,
		MachineNumber: 1,
		PollInterval:  cfg.Rs485PollInterval,
	}, log)
	go doorMonitor.Run(ctx, events)

	var registration *discovery.Registration
	if consulAddr := envconfig.GetEnv("CONSUL_ADDR", ""); consulAddr != "" {
		registration = registerWithConsul(ctx, consulAddr, serviceName, cfg, log)
	}
	if registration != nil {
		defer registration.Deregister(context.Background())
	}

	httpAddr := envconfig.GetEnv("HTTP_ADDR", ":8090")
	httpHandler := httpapi.New(trk, m, gateWorker, log)
	mux := http.NewServeMux()
	httpHandler.RegisterRoutes(mux)
	httpServer := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		log.Info("http_server_starting", slog.String("addr", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http_server_failed", slog.Any("error", err))
		}
	}()

	grpcAddr := envconfig.GetEnv("GRPC_ADDR", ":9090")
	grpcServer := grpc.NewServer()
	adminpb.RegisterAdminServiceServer(grpcServer, adminpb.New(trk, m, gateWorker, cfg.SiteID, log))
	grpcListener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Error("grpc_listen_failed", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		log.Info("grpc_server_starting", slog.String("addr", grpcAddr))
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error("grpc_server_failed", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	log.Info("gateway_stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()

	log.Info("gateway_stopped")
}

func gateModeFromString(mode string) gate.Mode {
	if mode == "tcp" {
		return gate.ModeTCP
	}
	return gate.ModeHTTP
}

func registerWithConsul(ctx context.Context, consulAddr, serviceName string, cfg *config.Config, log *slog.Logger) *discovery.Registration {
	registry, err := discovery.NewConsulRegistry(consulAddr)
	if err != nil {
		log.Error("consul_registry_init_failed", slog.Any("error", err))
		return nil
	}

	instanceID := discovery.GenerateInstanceID(serviceName + "-" + cfg.SiteID)
	advertiseHost := envconfig.GetEnv("ADVERTISE_HOST", "127.0.0.1")
	grpcPort := envconfig.GetEnv("GRPC_ADDR", ":9090")
	addr := net.JoinHostPort(advertiseHost, trimLeadingColon(grpcPort))

	registration, err := discovery.Register(ctx, registry, instanceID, serviceName, addr, log)
	if err != nil {
		log.Error("consul_register_failed", slog.Any("error", err))
		return nil
	}

	log.Info("consul_registered", slog.String("instance_id", instanceID), slog.String("addr", addr))
	return registration
}

func trimLeadingColon(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return addr[1:]
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return port
}
