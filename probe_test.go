package bindfixture

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDNS serves version.bind on a free loopback UDP port
func startDNS(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", net.JoinHostPort(LoopbackV4, "0"))
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc("version.bind.", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS},
			Txt: []string{"9.18.0-fake"},
		})
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestDNSProbe(t *testing.T) {
	addr := startDNS(t)

	ready, err := (&DNSProbe{Addr: addr}).Ready(context.Background())
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestDNSProbeNoServer(t *testing.T) {
	ports, err := AllocatePorts(1)
	require.NoError(t, err)

	p := &DNSProbe{Addr: net.JoinHostPort(LoopbackV4, strconv.Itoa(ports[0])), Timeout: 200 * time.Millisecond}
	ready, err := p.Ready(context.Background())
	assert.False(t, ready)
	assert.Error(t, err)
}

func TestControlProbeIndicator(t *testing.T) {
	rndc := writeScript(t, t.TempDir(), "rndc", "#!/bin/sh\necho 'server is loading zones'\n")
	client := NewControlClient(rndc, "rndc.conf")

	ready, err := (&ControlProbe{Client: client}).Ready(context.Background())
	require.NoError(t, err)
	assert.False(t, ready)

	ready, err = (&ControlProbe{Client: client, Indicator: "loading zones"}).Ready(context.Background())
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestAllOf(t *testing.T) {
	yes := ProbeFunc(func(context.Context) (bool, error) { return true, nil })
	no := ProbeFunc(func(context.Context) (bool, error) { return false, nil })
	boom := errors.New("refused")
	failing := ProbeFunc(func(context.Context) (bool, error) { return false, boom })

	calls := 0
	counting := ProbeFunc(func(context.Context) (bool, error) { calls++; return true, nil })

	tests := []struct {
		name    string
		probe   ReadinessProbe
		want    bool
		wantErr error
	}{
		{"empty", AllOf(), true, nil},
		{"all ready", AllOf(yes, yes), true, nil},
		{"one not ready", AllOf(yes, no), false, nil},
		{"error", AllOf(failing, yes), false, boom},
		{"short circuit", AllOf(no, counting), false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.probe.Ready(context.Background())
			assert.Equal(t, tt.want, got)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Zero(t, calls, "probes after a failing one must not run")
}
