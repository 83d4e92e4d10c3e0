// Command p4b moves changesets between a local git repository and a
// Perforce client workspace.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/niczy/p4bridge/internal/bridge"
	"github.com/niczy/p4bridge/internal/config"
	"github.com/niczy/p4bridge/internal/depot"
	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/host/gitrepo"
	"github.com/niczy/p4bridge/internal/logging"
	"github.com/niczy/p4bridge/internal/p4"
	bridgeservice "github.com/niczy/p4bridge/internal/services/bridge"
	"github.com/niczy/p4bridge/internal/storage"
)

// Version is the current p4b version.
var Version = "0.1.0"

// CLI carries the global flags and the collaborators commands run against.
type CLI struct {
	repoDir   string
	location  string
	service   string
	redisAddr string
	timeout   time.Duration
	verbose   bool
	debug     bool

	out io.Writer
	// transport, opener and openRepo are replaced in tests.
	transport p4.Transport
	opener    host.Opener
	openRepo  func(dir string) (host.Repository, error)
	conn      *grpc.ClientConn
}

func newCLI(out io.Writer) *CLI {
	return &CLI{
		out:    out,
		opener: gitrepo.Opener{},
		openRepo: func(dir string) (host.Repository, error) {
			return gitrepo.Open(dir)
		},
	}
}

func main() {
	os.Exit(execute(newCLI(os.Stdout), os.Args[1:], os.Stderr))
}

// execute runs one command line and returns the process exit code. The
// service connection is closed before it returns.
func execute(cli *CLI, args []string, stderr io.Writer) int {
	defer cli.Close()
	cmd := newRootCmd(cli)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "abort: %s\n", errorMessage(err))
		return 1
	}
	return 0
}

func (c *CLI) logger() logging.Logger {
	return logging.NewText(os.Stderr, logging.Level(c.verbose, c.debug))
}

func (c *CLI) context() (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), c.timeout)
}

// bridgeConfig loads the repository's options and assembles the bridge
// collaborators.
func (c *CLI) bridgeConfig(dir string) (bridge.Config, error) {
	opts, err := config.Load(config.PathFor(dir))
	if err != nil {
		return bridge.Config{}, err
	}
	return c.collaborators(opts)
}

func (c *CLI) collaborators(opts config.Options) (bridge.Config, error) {
	cache, err := depot.NewPrintCache()
	if err != nil {
		return bridge.Config{}, err
	}
	cfg := bridge.Config{Options: opts, Transport: c.transport, Cache: cache, Logger: c.logger()}
	if c.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: c.redisAddr})
		cfg.Journal = storage.NewRedisStorage(rdb, storage.NewInMemoryObjectStore(), "")
	}
	return cfg, nil
}

// client returns the service client: a gRPC connection with --service,
// otherwise an in-process bridge over the local repository.
func (c *CLI) client() (*bridgeservice.Client, error) {
	if c.service != "" {
		if c.conn == nil {
			conn, err := grpc.Dial(c.service, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return nil, fmt.Errorf("failed to connect to bridge service: %w", err)
			}
			c.conn = conn
		}
		return bridgeservice.NewClient(c.conn), nil
	}

	repo, err := c.openRepo(c.repoDir)
	if err != nil {
		return nil, err
	}
	cfg, err := c.bridgeConfig(c.repoDir)
	if err != nil {
		return nil, err
	}
	if !c.debug {
		log.SetOutput(io.Discard)
	}
	return bridgeservice.NewLocalClient(bridge.New(repo, c.location, cfg)), nil
}

func (c *CLI) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func errorMessage(err error) string {
	if s, ok := status.FromError(err); ok {
		return s.Message()
	}
	return err.Error()
}
