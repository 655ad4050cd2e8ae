// Command nix-workerd is a reference daemon implementing the Nix worker
// protocol against a SQLite/Badger-backed Store.
package main

import (
	"net"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/nix-community/go-workerd/pkg/daemon"
)

var cli struct {
	Socket       string `help:"Path to the daemon socket." placeholder:"PATH"`
	DB           string `help:"Path to the SQLite path-info database." default:"./nix-workerd.sqlite3"`
	Roots        string `help:"Directory backing the indirect GC roots index." default:"./nix-workerd-roots"`
	TrustedUsers string `help:"Comma-separated list of trusted users/@groups." default:""`
	AllowedUsers string `help:"Comma-separated list of allowed users/@groups." default:"*"`
	Verbose      bool   `help:"Enable debug logging." short:"v"`
}

func main() {
	kong.Parse(&cli, kong.Description("Nix worker-protocol daemon"))

	log := logrus.New()
	if cli.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	store, err := daemon.OpenSQLiteStore(cli.DB, cli.Roots)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer store.Close()

	socketPath := cli.Socket
	if socketPath == "" {
		socketPath = daemon.DefaultSocketPath()
	}

	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		log.WithError(err).Fatal("listen")
	}
	defer ln.Close()

	srv := daemon.NewServer(store)
	srv.Log = log
	srv.Trust = daemon.TrustPolicy{
		TrustedUsers: splitCSV(cli.TrustedUsers),
		AllowedUsers: splitCSV(cli.AllowedUsers),
	}

	log.WithField("socket", socketPath).Info("nix-workerd listening")

	if err := srv.Serve(ln); err != nil {
		log.WithError(err).Fatal("serve")
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}

	return out
}
