package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Public resolvers raced when the system resolver cannot find the relay,
// which happens on captive or misconfigured networks.
var publicResolvers = []string{
	"1.1.1.1",
	"1.0.0.1",
	"8.8.8.8",
	"8.8.4.4",
	"9.9.9.9",
	"208.67.222.222",
}

type lookupFunc func(ctx context.Context, server, host string) ([]string, error)

type resolver struct {
	lookup       lookupFunc
	fallbacks    []string
	localTimeout time.Duration
	raceTimeout  time.Duration
}

func newResolver() *resolver {
	return &resolver{
		lookup:       lookupHost,
		fallbacks:    publicResolvers,
		localTimeout: time.Second,
		raceTimeout:  2 * time.Second,
	}
}

// resolve returns one address for host, preferring IPv4. IP literals are
// returned untouched.
func (r *resolver) resolve(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	localCtx, cancel := context.WithTimeout(ctx, r.localTimeout)
	ips, err := r.lookup(localCtx, "", host)
	cancel()
	if err == nil && len(ips) > 0 {
		return preferIPv4(ips), nil
	}

	return r.race(ctx, host)
}

func (r *resolver) race(ctx context.Context, host string) (string, error) {
	if len(r.fallbacks) == 0 {
		return "", fmt.Errorf("resolve %s: no fallback resolvers", host)
	}

	ctx, cancel := context.WithTimeout(ctx, r.raceTimeout)
	defer cancel()

	type result struct {
		ips []string
		err error
	}
	results := make(chan result, len(r.fallbacks))
	for _, server := range r.fallbacks {
		go func(server string) {
			ips, err := r.lookup(ctx, server, host)
			results <- result{ips: ips, err: err}
		}(server)
	}

	var errs []error
	for range r.fallbacks {
		select {
		case res := <-results:
			if res.err == nil && len(res.ips) > 0 {
				return preferIPv4(res.ips), nil
			}
			if res.err == nil {
				res.err = errors.New("no addresses")
			}
			errs = append(errs, res.err)
		case <-ctx.Done():
			return "", fmt.Errorf("resolve %s: %w", host, ctx.Err())
		}
	}
	return "", fmt.Errorf("resolve %s: %w", host, errors.Join(errs...))
}

// lookupHost queries the system resolver when server is empty, otherwise
// the given DNS server directly.
func lookupHost(ctx context.Context, server, host string) ([]string, error) {
	r := net.DefaultResolver
	if server != "" {
		r = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
			},
		}
	}
	return r.LookupHost(ctx, host)
}

func preferIPv4(ips []string) string {
	for _, ip := range ips {
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			return ip
		}
	}
	return ips[0]
}
