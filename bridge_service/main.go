package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/niczy/p4bridge/internal/bridge"
	"github.com/niczy/p4bridge/internal/config"
	"github.com/niczy/p4bridge/internal/depot"
	"github.com/niczy/p4bridge/internal/host/gitrepo"
	"github.com/niczy/p4bridge/internal/logging"
	bridgeservice "github.com/niczy/p4bridge/internal/services/bridge"
	"github.com/niczy/p4bridge/internal/storage"
)

type serviceFlags struct {
	listen    string
	repo      string
	location  string
	redisAddr string
	keyPrefix string
	s3Bucket  string
	s3Prefix  string
	verbose   bool
	debug     bool
}

func parseFlags(args []string) (*serviceFlags, error) {
	fs := flag.NewFlagSet("bridge_service", flag.ContinueOnError)
	f := &serviceFlags{}
	fs.StringVar(&f.listen, "listen", ":50051", "address to serve gRPC on")
	fs.StringVar(&f.repo, "repo", ".", "local git repository")
	fs.StringVar(&f.location, "location", "", "p4://server/client location; defaults to the configured one")
	fs.StringVar(&f.redisAddr, "redis-addr", "", "Redis address for the run journal; in-memory when empty")
	fs.StringVar(&f.keyPrefix, "redis-prefix", "", "Redis key prefix")
	fs.StringVar(&f.s3Bucket, "s3-bucket", "", "S3 bucket holding the durable journal snapshot")
	fs.StringVar(&f.s3Prefix, "s3-prefix", "p4bridge", "key prefix inside the S3 bucket")
	fs.BoolVar(&f.verbose, "v", false, "log progress")
	fs.BoolVar(&f.debug, "debug", false, "log every p4 command")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// newJournal picks the journal backend. Redis keeps its durable snapshot in
// S3 when a bucket is given and in memory otherwise.
func newJournal(ctx context.Context, f *serviceFlags) (storage.Storage, error) {
	if f.redisAddr == "" {
		return storage.NewInMemoryStorage(), nil
	}
	var objects storage.ObjectStore = storage.NewInMemoryObjectStore()
	if f.s3Bucket != "" {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		objects = storage.NewS3ObjectStore(s3.NewFromConfig(cfg), f.s3Bucket, f.s3Prefix)
	}
	rdb := redis.NewClient(&redis.Options{Addr: f.redisAddr})
	st := storage.NewRedisStorage(rdb, objects, f.keyPrefix)
	if err := st.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", f.redisAddr, err)
	}
	return st, nil
}

func newBridge(ctx context.Context, f *serviceFlags) (*bridge.Bridge, error) {
	repo, err := gitrepo.Open(f.repo)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", f.repo, err)
	}
	opts, err := config.Load(config.PathFor(f.repo))
	if err != nil {
		return nil, err
	}
	journal, err := newJournal(ctx, f)
	if err != nil {
		return nil, err
	}
	cache, err := depot.NewPrintCache()
	if err != nil {
		return nil, err
	}
	return bridge.New(repo, f.location, bridge.Config{
		Options: opts,
		Cache:   cache,
		Journal: journal,
		Logger:  logging.NewText(os.Stderr, logging.Level(f.verbose, f.debug)),
	}), nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	b, err := newBridge(context.Background(), f)
	if err != nil {
		log.Fatalf("Failed to initialize bridge: %v", err)
	}

	lis, err := net.Listen("tcp", f.listen)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	s := bridgeservice.NewGRPCServer(b)

	log.Printf("Bridge server for %s listening on %s", b.Location(), f.listen)
	if err := s.Serve(lis); err != nil {
		log.Fatalf("Failed to serve: %v", err)
	}
}
