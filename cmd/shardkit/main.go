// Command shardkit is the operator-facing CLI: a move-chunk subcommand that
// drives a single chunk migration from the calling node's donor side, and a
// serve-recipient subcommand that runs the grpc server a donor dials into.
// This is the ambient CLI plumbing every repo in this corpus ships as its
// cmd/ entrypoint; the protocol logic itself lives entirely in pkg/.
package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"

	"github.com/metagoto/shardkit/pkg/configstore"
	"github.com/metagoto/shardkit/pkg/donor"
	"github.com/metagoto/shardkit/pkg/recipient"
	"github.com/metagoto/shardkit/pkg/rpc"
	"github.com/metagoto/shardkit/pkg/shardkey"
	"github.com/metagoto/shardkit/pkg/storage"
	"github.com/metagoto/shardkit/pkg/tap"
	"github.com/metagoto/shardkit/pkg/version"
)

var cli struct {
	LogLevel string `help:"logrus level (debug, info, warn, error)." default:"info"`

	MoveChunk      moveChunkCmd      `cmd:"" help:"Drive a single chunk migration from this node as donor."`
	ServeRecipient serveRecipientCmd `cmd:"" help:"Run a recipient-only grpc server a donor can migrate chunks to."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("shardkit"),
		kong.Description("Live chunk migration between shard nodes."),
		kong.UsageOnError(),
	)
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(cli.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	ctx.FatalIfErrorf(ctx.Run(logger))
}

type moveChunkCmd struct {
	NS            string        `arg:"" help:"Namespace (db.collection) of the chunk to migrate."`
	ChunkID       string        `arg:"" help:"Config-store chunk record id."`
	From          string        `arg:"" help:"This node's id. Also the grpc address (host:port) the recipient dials back for MigrateClone/TransferMods, so it must be reachable from RecipientAddr."`
	To            string        `arg:"" help:"Destination node id."`
	DonorListen   string        `help:"Address to listen on for the recipient's callback dial. Defaults to From."`
	RecipientAddr string        `required:"" help:"Recipient node's grpc address."`
	EtcdEndpoints []string      `required:"" help:"etcd endpoints backing the config store."`
	ConfigPrefix  string        `default:"shardkit/" help:"Key prefix in etcd for chunk/changelog/lock state."`
	PatternField  string        `default:"_id" help:"Single-field shard-key pattern to use for this run."`
	DialTimeout   time.Duration `default:"5s"`
}

func (c *moveChunkCmd) Run(logger *logrus.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.DialTimeout)
	defer cancel()

	etcdClient, err := clientv3.New(clientv3.Config{Endpoints: c.EtcdEndpoints, DialTimeout: c.DialTimeout})
	if err != nil {
		return fmt.Errorf("dial etcd: %w", err)
	}
	defer etcdClient.Close()
	store := configstore.NewEtcd(etcdClient, c.ConfigPrefix)

	conn, err := grpc.DialContext(ctx, c.RecipientAddr, grpc.WithInsecure(), grpc.WithBlock())
	if err != nil {
		return fmt.Errorf("dial recipient %s: %w", c.RecipientAddr, err)
	}
	defer conn.Close()
	recipientClient := rpc.NewGRPCClient(conn)

	pattern := shardkey.Pattern{{Path: c.PatternField}}
	t := tap.New()
	engine := storage.NewMemory(t)
	versions := version.NewManager(store)
	versions.Register(c.NS, pattern)

	d := donor.New(donor.Options{
		NodeID:        c.From,
		Engine:        engine,
		Store:         store,
		Versions:      versions,
		Tap:           t,
		DialRecipient: func(addr string) rpc.RecipientTransport { return recipientClient },
		PatternFor:    func(ns string) shardkey.Pattern { return pattern },
		Logger:        logger,
	})

	donorListen := c.DonorListen
	if donorListen == "" {
		donorListen = c.From
	}
	lis, err := net.Listen("tcp", donorListen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", donorListen, err)
	}
	donorSrv := grpc.NewServer()
	rpc.RegisterDonor(donorSrv, d)
	go func() {
		if err := donorSrv.Serve(lis); err != nil {
			logger.WithError(err).Warn("donor grpc server stopped")
		}
	}()
	defer donorSrv.GracefulStop()

	rec, err := store.FetchChunk(context.Background(), c.NS, c.ChunkID)
	if err != nil {
		return fmt.Errorf("fetch chunk %s: %w", c.ChunkID, err)
	}

	result, err := d.MoveChunk(context.Background(), donor.Request{
		NS: c.NS, Min: rec.Min, Max: rec.Max,
		From: c.From, To: c.To, ChunkID: c.ChunkID,
	})
	if err != nil {
		return fmt.Errorf("move chunk: %w", err)
	}
	logger.WithFields(logrus.Fields{"ns": c.NS, "chunk": c.ChunkID, "ok": result.OK}).Info("moveChunk finished")
	return nil
}

type serveRecipientCmd struct {
	Addr         string `default:":7070" help:"Address to listen on."`
	NodeID       string `required:"" help:"This node's id."`
	PatternField string `default:"_id"`
}

func (c *serveRecipientCmd) Run(logger *logrus.Logger) error {
	lis, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.Addr, err)
	}

	engine := storage.NewMemory(nil)
	pattern := shardkey.Pattern{{Path: c.PatternField}}

	var conns = make(map[string]*grpc.ClientConn)
	dialDonor := func(addr string) rpc.DonorTransport {
		conn, ok := conns[addr]
		if !ok {
			var err error
			conn, err = grpc.Dial(addr, grpc.WithInsecure())
			if err != nil {
				logger.WithError(err).WithField("addr", addr).Error("dial donor failed")
				return nil
			}
			conns[addr] = conn
		}
		return rpc.NewGRPCClient(conn)
	}

	worker := recipient.New(engine, recipient.Tunables{}, logger,
		dialDonor,
		func(ns string) shardkey.Pattern { return pattern },
	)

	srv := grpc.NewServer()
	rpc.RegisterRecipient(srv, worker)

	logger.WithFields(logrus.Fields{"addr": c.Addr, "node": c.NodeID}).Info("serve-recipient listening")
	return srv.Serve(lis)
}
