package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/automerge-relay/pkg/client"
	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/logging"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:1234", "the relay address")
	roomVar := flag.String("room", "default", "the room to join")
	nameVar := flag.String("name", "", "the name to publish as presence")
	dumpVar := flag.String("dump", "", "file to save the document to on exit")
	flag.Parse()
	logger := logging.InitDefault(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	u := &url.URL{Scheme: "ws", Host: *addrVar}
	u = u.JoinPath(*roomVar)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &counterClient{url: u.String(), name: *nameVar, doc: crdt.New(), log: logger}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		c.connectContinuously(egCtx)
		return nil
	})
	eg.Go(func() error {
		c.incrementRandomlyContinuously(egCtx)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	value, _ := c.doc.Automerge().Path("counter").Counter().Get()
	logger.Info("final", "value", value, "heads", c.doc.Heads())
	if *dumpVar != "" {
		if err := os.WriteFile(*dumpVar, c.doc.Automerge().Save(), 0o600); err != nil {
			return fmt.Errorf("failed to dump: %w", err)
		}
		logger.Info("dumped", "path", *dumpVar)
	}
	return nil
}

type counterClient struct {
	url  string
	name string
	doc  *crdt.Doc
	log  *slog.Logger

	mu   sync.Mutex
	conn *client.Client
}

func (c *counterClient) active() *client.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *counterClient) setActive(conn *client.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *counterClient) connectContinuously(ctx context.Context) {
	for ctx.Err() == nil {
		var conn *client.Client
		err := backoff.RetryNotify(func() error {
			var err error
			conn, err = client.Dial(ctx, c.url, c.doc, client.Options{Logger: c.log})
			return err
		}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx), func(err error, wait time.Duration) {
			c.log.Warn("failed to connect", "err", err, "retry_in", wait)
		})
		if err != nil {
			return
		}
		c.log.Info("connected", "url", c.url, "client", conn.ClientID())
		if c.name != "" {
			if err := conn.SetPresence(map[string]string{"name": c.name}); err != nil {
				c.log.Error("failed to set presence", "err", err)
			}
		}
		c.setActive(conn)

		select {
		case <-conn.Done():
			c.log.Warn("disconnected", "err", conn.Err())
		case <-ctx.Done():
			_ = conn.Close()
		}
		c.setActive(nil)
	}
}

func (c *counterClient) incrementRandomlyContinuously(ctx context.Context) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			c.log.Info("stopping scheduled increment")
			return
		}
		conn := c.active()
		if conn == nil {
			continue
		}
		err := conn.Update(func(doc *automerge.Doc) error {
			return doc.Path("counter").Counter().Inc(1)
		})
		if err != nil {
			c.log.Error("failed to increment counter", "err", err)
			continue
		}
		_ = conn.View(func(doc *crdt.Doc) error {
			value, _ := doc.Automerge().Path("counter").Counter().Get()
			c.log.Info("incremented", "value", value)
			return nil
		})
	}
}
