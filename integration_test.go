//go:build linux

package bindfixture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const exampleZone = `$TTL 300
@   IN SOA ns.example.test. hostmaster.example.test. 1 3600 600 86400 300
@   IN NS  ns.example.test.
ns  IN A   127.0.0.1
www IN A   192.0.2.10
`

// BINDTestSuite runs the fixture against the BIND installed on the host
type BINDTestSuite struct {
	suite.Suite
	paths Paths
}

func TestBINDIntegration(t *testing.T) {
	suite.Run(t, new(BINDTestSuite))
}

func (s *BINDTestSuite) SetupSuite() {
	RequireNotShort(s.T())
	s.paths = RequireBIND(s.T())
}

func (s *BINDTestSuite) start(opts ...Option) *Server {
	srv, err := NewServer(append([]Option{WithPaths(s.paths)}, opts...)...)
	require.NoError(s.T(), err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		s.T().Logf("named.log:\n%s", srv.Details()[DetailLog])
		s.T().Fatalf("Start failed: %v", err)
	}
	return srv
}

func (s *BINDTestSuite) TestStartStop() {
	srv := s.start()
	ctx := context.Background()

	out, err := srv.Rndc(ctx, "status")
	require.NoError(s.T(), err)
	require.True(s.T(), StatusIndicatesRunning(out))

	home := srv.Config().HomeDir
	require.NoError(s.T(), srv.Stop(ctx))
	require.Equal(s.T(), OutcomeGracefulExit, srv.Outcome())
	require.NotEmpty(s.T(), srv.Details()[DetailLog])

	_, err = os.Stat(home)
	require.True(s.T(), os.IsNotExist(err), "workspace not removed")
}

func (s *BINDTestSuite) TestVersionBind() {
	srv := s.start()
	defer srv.Stop(context.Background())

	ready, err := (&DNSProbe{Addr: srv.Addr()}).Ready(context.Background())
	require.NoError(s.T(), err)
	require.True(s.T(), ready)
}

func (s *BINDTestSuite) TestServesZone() {
	home := s.T().TempDir()
	require.NoError(s.T(), os.WriteFile(filepath.Join(home, "example.test.db"), []byte(exampleZone), FileMode))

	srv := s.start(
		WithHomeDir(home),
		WithExtraConfig(`zone "example.test" { type primary; file "example.test.db"; };`),
	)
	defer srv.Stop(context.Background())

	m := new(dns.Msg)
	m.SetQuestion("www.example.test.", dns.TypeA)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.Eventually(s.T(), func() bool {
		r, err := srv.Exchange(ctx, m)
		if err != nil || r.Rcode != dns.RcodeSuccess || len(r.Answer) != 1 {
			return false
		}
		a, ok := r.Answer[0].(*dns.A)
		return ok && a.A.String() == "192.0.2.10"
	}, 5*time.Second, 100*time.Millisecond)
}

func (s *BINDTestSuite) TestGeneratedConfigPassesCheckconf() {
	RequireTool(s.T(), s.paths.NamedCheckconf)

	cfg, _, err := Resources{HomeDir: s.T().TempDir(), IncludeDefaultControls: true}.Resolve(s.paths.Named, nil)
	require.NoError(s.T(), err)

	m := NewMaterializer(s.paths)
	require.NoError(s.T(), m.Write(cfg, false))
	require.NoError(s.T(), m.Validate(context.Background(), cfg))
	require.NoError(s.T(), m.Write(cfg, true))
	require.NoError(s.T(), m.Validate(context.Background(), cfg))
}

func (s *BINDTestSuite) TestBrokenConfigExitsEarly() {
	srv, err := NewServer(
		WithPaths(s.paths),
		WithExtraConfig("this is not a statement;"),
		WithReadyTimeout(time.Minute),
	)
	require.NoError(s.T(), err)

	start := time.Now()
	err = srv.Start(context.Background())
	require.ErrorIs(s.T(), err, ErrPrematureExit)
	require.Less(s.T(), time.Since(start), 30*time.Second)
	require.NoError(s.T(), srv.Stop(context.Background()))
}

func (s *BINDTestSuite) TestManagerRunsSeveral() {
	servers := make([]*Server, 3)
	for i := range servers {
		srv, err := NewServer(WithPaths(s.paths))
		require.NoError(s.T(), err)
		servers[i] = srv
	}

	mgr := NewManager(WithConcurrency(3))
	ctx := context.Background()
	require.NoError(s.T(), mgr.Start(ctx, servers...))
	defer func() { require.NoError(s.T(), mgr.Stop(ctx, servers...)) }()

	statuses, err := mgr.Status(ctx, servers...)
	require.NoError(s.T(), err)
	for _, srv := range servers {
		require.True(s.T(), statuses[srv.ID()].Running)
		require.NotEmpty(s.T(), statuses[srv.ID()].Version)
	}
}
