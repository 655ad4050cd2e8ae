package daemon_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/go-workerd/pkg/daemon"
)

func startTestServer(t *testing.T) (*daemon.Server, net.Listener) {
	t.Helper()

	store, err := daemon.OpenSQLiteStore(":memory:", t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() { ln.Close() })

	srv := daemon.NewServer(store)

	go srv.Serve(ln) //nolint:errcheck

	return srv, ln
}

func dialTestServer(t *testing.T, ln net.Listener) *daemon.Client {
	t.Helper()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	client, err := daemon.NewClientFromConn(conn)
	require.NoError(t, err)

	t.Cleanup(func() { client.Close() })

	return client
}

func TestServerHandshake(t *testing.T) {
	_, ln := startTestServer(t)

	client := dialTestServer(t, ln)

	assert.NotNil(t, client.Info())
	assert.Equal(t, daemon.TrustNotTrusted, client.Info().Trust)
}

func TestServerIsValidPathUnknown(t *testing.T) {
	_, ln := startTestServer(t)

	client := dialTestServer(t, ln)

	valid, err := client.IsValidPath(context.Background(), "/nix/store/does-not-exist")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestServerRegisterAndQueryPathInfo(t *testing.T) {
	srv, ln := startTestServer(t)

	info := daemon.PathInfo{
		StorePath:        "/nix/store/abc-hello",
		NarHash:          "sha256:0000000000000000000000000000000000000000000000000000",
		RegistrationTime: 1700000000,
		NarSize:          128,
	}
	require.NoError(t, srv.Store.RegisterValidPath(info))

	client := dialTestServer(t, ln)

	valid, err := client.IsValidPath(context.Background(), info.StorePath)
	require.NoError(t, err)
	assert.True(t, valid)

	got, err := client.QueryPathInfo(context.Background(), info.StorePath)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, info.NarHash, got.NarHash)
	assert.Equal(t, info.NarSize, got.NarSize)
}

func TestServerAddTempRootAndFindRoots(t *testing.T) {
	_, ln := startTestServer(t)

	client := dialTestServer(t, ln)

	require.NoError(t, client.AddTempRoot(context.Background(), "/nix/store/abc-temp"))

	_, err := client.AddPermRoot(context.Background(), "/nix/store/abc-perm", "/run/gcroots/abc")
	require.NoError(t, err)

	roots, err := client.FindRoots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/abc-perm", roots["/run/gcroots/abc"])
}

func TestServerBuildDerivation(t *testing.T) {
	_, ln := startTestServer(t)

	client := dialTestServer(t, ln)

	drv := daemon.BasicDerivation{
		Outputs: map[string]daemon.DerivationOutput{
			"out": {Path: "/nix/store/abc-out"},
		},
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
	}

	result, err := client.BuildDerivation(context.Background(), "/nix/store/abc.drv", &drv, daemon.BuildModeNormal)
	require.NoError(t, err)
	assert.Equal(t, daemon.BuildStatusBuilt, result.Status)

	valid, err := client.IsValidPath(context.Background(), "/nix/store/abc-out")
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestServerRejectsUntrustedGCIgnoreLiveness(t *testing.T) {
	srv, ln := startTestServer(t)
	srv.Trust = daemon.TrustPolicy{} // nobody is trusted; nil AllowedUsers still admits everyone

	client := dialTestServer(t, ln)

	assert.Equal(t, daemon.TrustNotTrusted, client.Info().Trust)

	_, err := client.CollectGarbage(context.Background(), &daemon.GCOptions{
		Action:         daemon.GCReturnDead,
		IgnoreLiveness: true,
	})
	assert.Error(t, err)
}
