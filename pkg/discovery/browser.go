package discovery

import (
	"context"
	"fmt"
	"time"
)

// Browser finds gateways.
//
//go:generate mockery --name Browser
type Browser interface {
	// Browse reports each gateway once as it is found. The channel is
	// closed when ctx ends or Stop is called.
	Browse(ctx context.Context) (<-chan *GatewayService, error)

	// Find returns the gateway with the given instance name.
	Find(ctx context.Context, name string) (*GatewayService, error)

	// Stop stops all active browsing.
	Stop()
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// BrowseTimeout bounds Find and Resolve when ctx has no deadline.
	BrowseTimeout time.Duration

	// Interface restricts browsing to one network interface. Empty means
	// all interfaces.
	Interface string
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{BrowseTimeout: BrowseTimeout}
}

// FilterFunc selects browse results.
type FilterFunc func(*GatewayService) bool

// FilterByProvider matches gateways that serve the given upstream provider.
func FilterByProvider(provider string) FilterFunc {
	return func(svc *GatewayService) bool {
		for _, p := range svc.Providers {
			if p == provider {
				return true
			}
		}
		return false
	}
}

// FilterBrowseResults filters a channel of services.
func FilterBrowseResults(in <-chan *GatewayService, filter FilterFunc) <-chan *GatewayService {
	out := make(chan *GatewayService)
	go func() {
		defer close(out)
		for svc := range in {
			if filter(svc) {
				out <- svc
			}
		}
	}()
	return out
}

// Resolve returns the dial address of the gateway called name, or of the
// first gateway found when name is empty.
func Resolve(ctx context.Context, b Browser, name string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = BrowseTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var svc *GatewayService
	if name != "" {
		found, err := b.Find(ctx, name)
		if err != nil {
			return "", fmt.Errorf("resolve gateway %q: %w", name, err)
		}
		svc = found
	} else {
		results, err := b.Browse(ctx)
		if err != nil {
			return "", fmt.Errorf("resolve gateway: %w", err)
		}
		select {
		case found, ok := <-results:
			if !ok {
				return "", fmt.Errorf("resolve gateway: %w", ErrNotFound)
			}
			svc = found
		case <-ctx.Done():
			return "", fmt.Errorf("resolve gateway: %w", ErrNotFound)
		}
	}
	return svc.Address()
}
