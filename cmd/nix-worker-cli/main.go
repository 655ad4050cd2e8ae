// Command nix-worker-cli is a thin exerciser for the Nix worker protocol: it
// dials a daemon socket and issues a single operation named on the command
// line.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/nix-community/go-workerd/pkg/daemon"
)

var cli struct {
	Socket string `help:"Path to the daemon socket." placeholder:"PATH"`

	IsValidPath struct {
		Path string `arg:""`
	} `cmd:"" help:"Check whether a store path is valid."`

	QueryPathInfo struct {
		Path string `arg:""`
	} `cmd:"" help:"Query metadata for a store path."`

	QueryAllValidPaths struct{} `cmd:"" help:"List every valid path known to the daemon."`

	AddTempRoot struct {
		Path string `arg:""`
	} `cmd:"" help:"Register a temporary GC root for the lifetime of this connection."`

	CollectGarbage struct {
		DryRun bool `help:"Only report what would be deleted."`
	} `cmd:"" help:"Run a garbage collection pass."`
}

func main() {
	ctx := kong.Parse(&cli, kong.Description("Nix worker-protocol client"))

	socketPath := cli.Socket
	if socketPath == "" {
		socketPath = daemon.DefaultSocketPath()
	}

	client, err := daemon.Connect(socketPath)
	if err != nil {
		fatal(err)
	}
	defer client.Close()

	if err := run(ctx, client); err != nil {
		fatal(err)
	}
}

func run(ctx *kong.Context, client *daemon.Client) error {
	switch ctx.Command() {
	case "is-valid-path <path>":
		valid, err := client.IsValidPath(context.Background(), cli.IsValidPath.Path)
		if err != nil {
			return err
		}

		fmt.Println(valid)

	case "query-path-info <path>":
		info, err := client.QueryPathInfo(context.Background(), cli.QueryPathInfo.Path)
		if err != nil {
			return err
		}

		if info == nil {
			fmt.Println("not found")

			return nil
		}

		fmt.Printf("deriver: %s\nnarHash: %s\nnarSize: %d\nreferences: %s\n",
			info.Deriver, info.NarHash, info.NarSize, strings.Join(info.References, " "))

	case "query-all-valid-paths":
		paths, err := client.QueryAllValidPaths(context.Background())
		if err != nil {
			return err
		}

		for _, p := range paths {
			fmt.Println(p)
		}

	case "add-temp-root <path>":
		return client.AddTempRoot(context.Background(), cli.AddTempRoot.Path)

	case "collect-garbage":
		action := daemon.GCDeleteDead
		if cli.CollectGarbage.DryRun {
			action = daemon.GCReturnDead
		}

		result, err := client.CollectGarbage(context.Background(), &daemon.GCOptions{Action: action})
		if err != nil {
			return err
		}

		fmt.Printf("freed %d bytes across %d paths\n", result.BytesFreed, len(result.Paths))

	default:
		return fmt.Errorf("unhandled command %q", ctx.Command())
	}

	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "nix-worker-cli:", err)
	os.Exit(1)
}
