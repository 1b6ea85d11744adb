package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	consul "github.com/hashicorp/consul/api"
)

// ConsulRegistry is a Registry backed by a Consul agent.
type ConsulRegistry struct {
	client *consul.Client
}

// NewConsulRegistry dials the Consul agent at addr.
func NewConsulRegistry(addr string) (*ConsulRegistry, error) {
	cfg := consul.DefaultConfig()
	cfg.Address = addr

	client, err := consul.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	return &ConsulRegistry{client: client}, nil
}

func (r *ConsulRegistry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	host, portStr, err := splitHostPort(hostPort)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}

	return r.client.Agent().ServiceRegister(&consul.AgentServiceRegistration{
		ID:      instanceID,
		Name:    serviceName,
		Address: host,
		Port:    port,
		Check: &consul.AgentServiceCheck{
			CheckID:                        instanceID,
			TLSSkipVerify:                  true,
			TTL:                            "5s",
			DeregisterCriticalServiceAfter: "10s",
		},
	})
}

func (r *ConsulRegistry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	return r.client.Agent().ServiceDeregister(instanceID)
}

func (r *ConsulRegistry) Discover(ctx context.Context, serviceName string) ([]string, error) {
	services, _, err := r.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, err
	}

	addresses := make([]string, 0, len(services))
	for _, s := range services {
		addresses = append(addresses, fmt.Sprintf("%s:%d", s.Service.Address, s.Service.Port))
	}
	return addresses, nil
}

func (r *ConsulRegistry) HealthCheck(instanceID, serviceName string) error {
	return r.client.Agent().UpdateTTL(instanceID, "online", consul.HealthPassing)
}

func splitHostPort(hostPort string) (string, string, error) {
	parts := strings.Split(hostPort, ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("discovery: invalid host:port %q", hostPort)
	}
	return parts[0], parts[1], nil
}

var _ Registry = (*ConsulRegistry)(nil)

// Registration wraps a registered instance and runs its TTL heartbeat until
// Deregister is called.
type Registration struct {
	registry    Registry
	instanceID  string
	serviceName string
	stopChan    chan struct{}
	log         *slog.Logger
}

// Register registers instanceID/serviceName at addr and starts its
// heartbeat goroutine.
func Register(ctx context.Context, registry Registry, instanceID, serviceName, addr string, log *slog.Logger) (*Registration, error) {
	if err := registry.Register(ctx, instanceID, serviceName, addr); err != nil {
		return nil, err
	}

	r := &Registration{
		registry:    registry,
		instanceID:  instanceID,
		serviceName: serviceName,
		stopChan:    make(chan struct{}),
		log:         log,
	}
	go r.heartbeat()

	return r, nil
}

func (r *Registration) heartbeat() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if err := r.registry.HealthCheck(r.instanceID, r.serviceName); err != nil {
				r.log.Warn("discovery_health_check_failed", slog.Any("error", err))
			}
		}
	}
}

// Deregister stops the heartbeat and removes the instance from the registry.
func (r *Registration) Deregister(ctx context.Context) error {
	close(r.stopChan)
	return r.registry.Deregister(ctx, r.instanceID, r.serviceName)
}
