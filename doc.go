// Package bindfixture runs throwaway BIND (named) instances for tests.
//
// Each instance gets its own loopback ports, its own home directory and
// its own rndc key, so any number of instances can run side by side on
// one host without root privileges:
//
//	srv, err := bindfixture.NewServer(
//	    bindfixture.WithExtraConfig(`zone "example.test" { type primary; file "example.test.db"; };`),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop(ctx)
//
//	m := new(dns.Msg)
//	m.SetQuestion("www.example.test.", dns.TypeA)
//	r, err := srv.Exchange(ctx, m)
//
// Start allocates free ports, writes named.conf and rndc.conf into the
// home directory, copies the named executable next to them, spawns it in
// the foreground and polls "rndc status" until the server reports it is
// up. Stop asks the server to stop over rndc, falls back to SIGTERM and
// SIGKILL, keeps the server log in Details and removes the temporary
// home directory.
//
// Tests can use NewTestServer, which ties the lifetime of a server to the
// test and skips the test when BIND is not installed.
//
// # Building blocks
//
// The steps Start runs are exported on their own for callers that need a
// different composition: AllocatePorts, Resources.Resolve,
// Materializer, Supervisor and ControlClient. The bindfixture command
// uses them to prepare a home directory and replace itself with named.
//
// # Install paths
//
// named, rndc and named-checkconf are looked up at their Debian install
// locations unless NAMED_PATH, RNDC_PATH or NAMED_CHECKCONF_PATH say
// otherwise.
//
// # Errors
//
// Failures are reported as *Error values whose Kind separates a broken
// environment (KindEnvironment), a server that never became ready
// (KindTimeout), one that exited during start-up (KindPrematureExit) and
// control channel problems (KindControl). Use errors.Is with the Err*
// sentinels or KindOf to tell them apart.
package bindfixture
