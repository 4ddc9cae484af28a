// Program wisp is a command-line utility for interacting with wisp
// endpoints: it can serve a demonstration controller, issue calls to one,
// and list the methods a peer exports.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/glowkit/wisp"
	"github.com/glowkit/wisp/handler"
	"github.com/glowkit/wisp/link"
	"github.com/glowkit/wisp/stream"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

var serveFlags struct {
	Addr      string        `flag:"addr,default=localhost:9170,Listen address"`
	Config    string        `flag:"config,Path to a YAML configuration file"`
	Tick      time.Duration `flag:"tick,default=10ms,Update cycle interval"`
	Rate      float64       `flag:"rate,Maximum requests per second (0 for no limit)"`
	LogFrames bool          `flag:"log-frames,Log each message exchanged with peers"`
}

var callFlags struct {
	Addr    string        `flag:"addr,default=localhost:9170,Server address"`
	Timeout time.Duration `flag:"timeout,default=30s,How long to wait for the terminal response"`
}

// serverConfig is the YAML document accepted by --config. Values given on
// the command line take precedence.
type serverConfig struct {
	Addr      string        `yaml:"addr"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	Timeout   time.Duration `yaml:"timeout"`
	Rate      float64       `yaml:"rate"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for interacting with wisp endpoints.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Run a demonstration controller endpoint.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      command.Adapt(runServe),
			},
			{
				Name:     "call",
				Usage:    "<method> [<params>]",
				Help:     "Issue a call to a server and print its responses.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      command.Adapt(runCall),
			},
			{
				Name:     "ping",
				Help:     "Measure the round-trip time to a server's heartbeat responder.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      command.Adapt(runPing),
			},
			{
				Name:     "methods",
				Help:     "List the methods exported by a server.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run: func(env *command.Env) error {
					return runCall(env, wisp.MethodsName)
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// countJob is one in-flight "count" call, advanced by the serve loop.
type countJob struct {
	snd    *wisp.Sender
	next   int
	limit  int
	step   time.Duration
	nextAt time.Time
}

func runServe(env *command.Env) error {
	lcfg := link.Config{}
	if serveFlags.Config != "" {
		data, err := os.ReadFile(serveFlags.Config)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		var sc serverConfig
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
		lcfg.HeartbeatInterval = sc.Heartbeat
		lcfg.Timeout = sc.Timeout
		if sc.Addr != "" && serveFlags.Addr == "localhost:9170" {
			serveFlags.Addr = sc.Addr
		}
		if sc.Rate > 0 && serveFlags.Rate == 0 {
			serveFlags.Rate = sc.Rate
		}
	}

	lst, err := net.Listen("tcp", serveFlags.Addr)
	if err != nil {
		return err
	}
	defer lst.Close()
	log.Printf("Listening at %q", lst.Addr())

	hub := stream.NewHub(stream.NetAccepter(lst), lcfg, stream.Options{})

	var jobs []*countJob
	c := wisp.NewCoordinator(hub).
		Bind("add", handler.Sync(func(vs []float64) (float64, error) {
			var sum float64
			for _, v := range vs {
				sum += v
			}
			return sum, nil
		})).
		Bind("time", handler.NoParams(func() (string, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		})).
		BindAsync("echo", handler.Async(func(s *wisp.Sender, v json.RawMessage) error {
			return s.Send(v)
		})).
		BindStream("count", handler.Async(func(s *wisp.Sender, p struct {
			Limit int           `json:"limit"`
			Step  time.Duration `json:"step"`
		}) error {
			if p.Limit <= 0 {
				return wisp.InvalidParams("limit must be positive")
			}
			// Delivery is spread across later cycles by the serve loop.
			jobs = append(jobs, &countJob{snd: s, next: 1, limit: p.Limit, step: p.Step})
			return nil
		}))
	if serveFlags.Rate > 0 {
		c.RateLimit(rate.NewLimiter(rate.Limit(serveFlags.Rate), int(serveFlags.Rate)+1))
	}
	if serveFlags.LogFrames {
		c.LogFrames(func(f wisp.FrameInfo) { log.Print(f) })
	}

	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g := taskgroup.New(nil)
	g.Run(func() {
		t := time.NewTicker(serveFlags.Tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				c.Shutdown()
				c.Update(time.Now())
				hub.Disconnect()
				return
			case now := <-t.C:
				c.Update(now)
				live := jobs[:0]
				for _, j := range jobs {
					if now.Before(j.nextAt) {
						live = append(live, j)
						continue
					}
					if j.next > j.limit {
						j.snd.Send(map[string]int{"count": j.limit})
						continue
					}
					j.snd.SendUpdate(j.next)
					j.next++
					j.nextAt = now.Add(j.step)
					live = append(live, j)
				}
				jobs = live
			}
		}
	})
	g.Wait()
	log.Print("Server stopped")
	return nil
}

func runPing(env *command.Env) error {
	conn := link.Dial(link.NetDialer("tcp", callFlags.Addr), link.Config{
		InitialBackoff: 100 * time.Millisecond,
	}, time.Now())
	ts := stream.New(conn, stream.Options{})

	ctx, cancel := context.WithTimeout(env.Context(), callFlags.Timeout)
	defer cancel()

	var pingAt time.Time
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for pong: %w", err)
		}
		now := time.Now()
		ts.Update(now)
		ts.Pull() // drain heartbeat traffic

		if pingAt.IsZero() {
			if err := ts.Push(wisp.Ping()); err == nil {
				pingAt = now
			}
		} else if conn.LastActivity().After(pingAt) {
			// Any byte back counts; the only traffic owed is the pong.
			fmt.Printf("pong from %s in %v\n", callFlags.Addr, time.Since(pingAt).Round(time.Microsecond))
			conn.Disconnect()
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func runCall(env *command.Env, method string, rest ...string) error {
	params := json.RawMessage(nil)
	if len(rest) > 1 {
		return env.Usagef("extra arguments: %q", rest[1:])
	} else if len(rest) == 1 {
		if !json.Valid([]byte(rest[0])) {
			return fmt.Errorf("params are not valid JSON: %q", rest[0])
		}
		params = json.RawMessage(rest[0])
	}

	conn := link.Dial(link.NetDialer("tcp", callFlags.Addr), link.Config{
		InitialBackoff: 100 * time.Millisecond,
	}, time.Now())
	ts := stream.New(conn, stream.Options{})

	req, err := json.Marshal(struct {
		V string          `json:"jsonrpc"`
		M string          `json:"method"`
		P json.RawMessage `json:"params,omitempty"`
		I int             `json:"id"`
	}{V: wisp.Version, M: method, P: params, I: 1})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(env.Context(), callFlags.Timeout)
	defer cancel()

	sent := false
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for response: %w", err)
		}
		now := time.Now()
		ts.Update(now)
		if !sent {
			// Push is refused until the stream preamble completes.
			if err := ts.Push(req); err == nil {
				sent = true
			} else if !errors.Is(err, link.ErrNotConnected) {
				return fmt.Errorf("sending request: %w", err)
			}
		}
		msg, err := ts.Pull()
		if err != nil {
			return fmt.Errorf("stream failed: %w", err)
		}
		if msg == nil {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		rsp, err := wisp.ParseResponse(msg)
		if err != nil {
			return fmt.Errorf("invalid response: %w", err)
		}
		switch rsp.Kind {
		case wisp.KindError:
			return fmt.Errorf("call failed: [code %d] %s", rsp.Code, rsp.Text)
		case wisp.KindAck:
			continue
		default:
			fmt.Println(string(rsp.Value))
			if rsp.Kind.Terminal() {
				conn.Disconnect()
				return nil
			}
		}
	}
}
