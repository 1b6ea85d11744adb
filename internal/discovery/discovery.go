// Package discovery registers the gateway's admin plane (gRPC/HTTP control
// surface) with Consul so a fleet of gateways, one per site, can be found
// and health-checked from a central operations view.
package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Registry is the service-discovery backend the gateway registers itself
// against. Narrow on purpose: the admin plane only ever registers once,
// deregisters once, and heartbeats on a ticker.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]string, error)
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID builds a unique registry instance id for one gateway
// process, so multiple sites (or restarts of the same site) never collide.
func GenerateInstanceID(serviceName string) string {
	return fmt.Sprintf("%s-%d", serviceName, rand.New(rand.NewSource(time.Now().UnixNano())).Int())
}
