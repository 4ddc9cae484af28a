// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package wisp_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/glowkit/wisp"
)

func noop(json.RawMessage) (any, error)             { return nil, nil }
func echo(p json.RawMessage) (any, error)           { return p, nil }
func aecho(s *wisp.Sender, p json.RawMessage) error { return s.Send(p) }

func BenchmarkDispatch(b *testing.B) {
	payload := `["fuzzy wuzzy was a bear","fuzzy wuzzy had no hair"]`

	bench := func(b *testing.B, c *wisp.Coordinator, tp *fakeTransport, params string) {
		b.Helper()
		now := time.Unix(0, 0)
		var id int
		for b.Loop() {
			id++
			tp.send(mkReq("X", params, fmt.Sprint(id)))
			if n := c.Update(now); n != 1 {
				b.Fatalf("Update: processed %d requests, want 1", n)
			}
			tp.out = tp.out[:0]
		}
	}

	b.Run("Sync-noop", func(b *testing.B) {
		tp := &fakeTransport{}
		c := wisp.NewCoordinator(tp).Bind("X", noop)
		bench(b, c, tp, "")
	})
	b.Run("Sync-echo", func(b *testing.B) {
		tp := &fakeTransport{}
		c := wisp.NewCoordinator(tp).Bind("X", echo)
		bench(b, c, tp, payload)
	})
	b.Run("Async-echo", func(b *testing.B) {
		tp := &fakeTransport{}
		c := wisp.NewCoordinator(tp).BindAsync("X", aecho)
		bench(b, c, tp, payload)
	})
}
