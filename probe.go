package bindfixture

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// ReadinessProbe decides whether a spawned daemon is ready for use. The
// supervisor's wait loop only sees this interface, so the check can move
// from matching rndc's free text to something structural without touching
// the loop.
type ReadinessProbe interface {
	// Ready reports whether the daemon is ready. An error means "not
	// ready yet" and is only logged.
	Ready(ctx context.Context) (bool, error)
}

// ProbeFunc adapts a function to ReadinessProbe
type ProbeFunc func(ctx context.Context) (bool, error)

// Ready calls f
func (f ProbeFunc) Ready(ctx context.Context) (bool, error) {
	return f(ctx)
}

// ControlProbe runs "rndc status" and looks for Indicator in its output
type ControlProbe struct {
	Client *ControlClient

	// Indicator is the phrase to look for; RunningIndicator when empty
	Indicator string
}

// Ready implements ReadinessProbe
func (p *ControlProbe) Ready(ctx context.Context) (bool, error) {
	if p.Indicator == "" {
		return p.Client.Status(ctx)
	}
	stdout, _, err := p.Client.Execute(ctx, "status")
	if err != nil {
		return false, err
	}
	return containsIndicator(stdout, p.Indicator), nil
}

// DNSProbe sends a DNS query to the daemon's listen address. Any reply,
// whatever its rcode, shows the server is answering.
type DNSProbe struct {
	// Addr is the host:port the daemon listens on
	Addr string

	// Net is "udp" (the default) or "tcp"
	Net string

	// Timeout bounds a single exchange; one second when zero
	Timeout time.Duration
}

// Ready implements ReadinessProbe by asking for version.bind in the CHAOS
// class, which BIND answers without any zone being loaded
func (p *DNSProbe) Ready(ctx context.Context) (bool, error) {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = time.Second
	}

	c := &dns.Client{Net: p.Net, Timeout: timeout}
	m := new(dns.Msg)
	m.SetQuestion("version.bind.", dns.TypeTXT)
	m.Question[0].Qclass = dns.ClassCHAOS

	if _, _, err := c.ExchangeContext(ctx, m, p.Addr); err != nil {
		return false, err
	}
	return true, nil
}

// AllOf returns a probe that is ready once every probe is ready. Probes
// are consulted in order and the first one not ready ends the check.
func AllOf(probes ...ReadinessProbe) ReadinessProbe {
	return ProbeFunc(func(ctx context.Context) (bool, error) {
		for _, p := range probes {
			ready, err := p.Ready(ctx)
			if !ready || err != nil {
				return false, err
			}
		}
		return true, nil
	})
}
