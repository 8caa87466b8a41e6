// Command loadtest drives a relay node with pairs of users chatting over
// direct topics and reports how many events made it back.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-chat-relay/internal/api"
	"go-chat-relay/internal/chat"
	"go-chat-relay/internal/identity"
	"go-chat-relay/internal/logging"
)

type options struct {
	wsURL    string
	secret   string
	issuer   string
	pairs    int
	messages int
	interval time.Duration
	timeout  time.Duration
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

func main() {
	opts := &options{}

	app := &cli.Command{
		Name:  "loadtest",
		Usage: "Spam a relay node with direct-message traffic",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://localhost:8080/ws", Destination: &opts.wsURL},
			&cli.StringFlag{Name: "secret", Sources: cli.EnvVars("JWT_SECRET", "CHAT_JWT_SECRET"), Required: true, Destination: &opts.secret},
			&cli.StringFlag{Name: "issuer", Value: "go-chat-relay", Destination: &opts.issuer},
			&cli.IntFlag{Name: "pairs", Value: 50, Usage: "conversations; each has two users", Destination: &opts.pairs},
			&cli.IntFlag{Name: "messages", Value: 20, Usage: "messages per user", Destination: &opts.messages},
			&cli.DurationFlag{Name: "interval", Value: 250 * time.Millisecond, Usage: "pause between sends; stay under the node's publish rate limit", Destination: &opts.interval},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "how long to wait for deliveries", Destination: &opts.timeout},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log, err := logging.New(logging.Options{Level: "info", Format: logging.FormatConsole, Name: "loadtest"})
			if err != nil {
				return err
			}
			return run(ctx, opts, log)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options, log *zap.Logger) error {
	issuer := identity.NewJWT(opts.secret, opts.issuer)
	st := &stats{}
	start := time.Now()

	log.Info("starting load test", zap.Int("users", opts.pairs*2), zap.Int("messages_per_user", opts.messages))

	// A failed pair is counted, not fatal.
	var g errgroup.Group
	for i := 0; i < opts.pairs; i++ {
		g.Go(func() error {
			if err := runPair(ctx, opts, issuer, st, i); err != nil {
				st.failed.Add(1)
				log.Warn("pair failed", zap.Int("pair", i), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	expected := int64(opts.pairs) * int64(opts.messages) * 4
	log.Info("load test complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("sent", st.sent.Load()),
		zap.Int64("received", st.received.Load()),
		zap.Int64("expected", expected),
		zap.Int64("failed_pairs", st.failed.Load()),
	)
	return nil
}

// runPair has two users subscribe to their direct topic and both spam it.
// Every message reaches both sessions, the sender included.
func runPair(ctx context.Context, opts *options, issuer *identity.JWT, st *stats, pairID int) error {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	topic := chat.DirectTopic(userA, userB)

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	var ready sync.WaitGroup
	ready.Add(2)
	for _, user := range []string{userA, userB} {
		g.Go(func() error {
			return spamChat(gctx, opts, issuer, st, &ready, user, topic)
		})
	}
	return g.Wait()
}

func spamChat(ctx context.Context, opts *options, issuer *identity.JWT, st *stats, ready *sync.WaitGroup, user string, topic chat.Topic) error {
	token, err := issuer.Issue(user, user, time.Hour)
	if err != nil {
		ready.Done()
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.wsURL+"?token="+url.QueryEscape(token), nil)
	if err != nil {
		ready.Done()
		return fmt.Errorf("dial %s: %w", user, err)
	}
	defer conn.Close()
	context.AfterFunc(ctx, func() { conn.Close() })

	if err := conn.WriteJSON(api.Request{ID: "sub", Type: api.RequestSubscribe, Topic: topic.String()}); err != nil {
		ready.Done()
		return fmt.Errorf("subscribe %s: %w", user, err)
	}

	// The peer must be subscribed before anyone sends, or its count comes up short.
	ready.Done()
	ready.Wait()

	want := opts.messages * 2
	done := make(chan error, 1)
	go func() {
		got := 0
		for got < want {
			var frame struct {
				Type  string `json:"type"`
				Code  string `json:"code"`
				Error string `json:"error"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				done <- fmt.Errorf("read %s: %w", user, err)
				return
			}
			switch frame.Type {
			case string(chat.EventMessage):
				got++
				st.received.Add(1)
			case api.ResponseError:
				done <- fmt.Errorf("%s: %s: %s", user, frame.Code, frame.Error)
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < opts.messages; i++ {
		err := conn.WriteJSON(api.Request{
			ID:      fmt.Sprint(i),
			Type:    api.RequestPublish,
			Topic:   topic.String(),
			Content: fmt.Sprintf("LoadTest Msg %d from %s", i, user),
		})
		if err != nil {
			return fmt.Errorf("send %s: %w", user, err)
		}
		st.sent.Add(1)
		time.Sleep(opts.interval)
	}

	return <-done
}
