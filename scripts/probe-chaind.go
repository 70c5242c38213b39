//go:build ignore

// probe-chaind.go checks one or more chaind servers: health, then the ledger
// integrity state of every logbook they serve.
//
// Run with: go run scripts/probe-chaind.go http://localhost:8090 https://notes.example.org
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/damienh972/hodl-my-notes/pkg/client"
	"golang.org/x/sync/errgroup"
)

type row struct {
	server  string
	logbook string
	state   string
	detail  string
}

func main() {
	servers := os.Args[1:]
	if len(servers) == 0 {
		servers = []string{"http://localhost:8090"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var (
		mu   sync.Mutex
		rows []row
	)
	add := func(r row) {
		mu.Lock()
		rows = append(rows, r)
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, s := range servers {
		g.Go(func() error {
			probe(ctx, s, add)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].server != rows[j].server {
			return rows[i].server < rows[j].server
		}
		return rows[i].logbook < rows[j].logbook
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tLOGBOOK\tSTATE\tDETAIL")
	divergent := 0
	for _, r := range rows {
		if r.state != "UP_TO_DATE" && r.state != "EMPTY" {
			divergent++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.server, r.logbook, r.state, r.detail)
	}
	w.Flush()

	fmt.Printf("\n%d server(s), %d row(s), %d need attention\n", len(servers), len(rows), divergent)
	if divergent > 0 {
		os.Exit(1)
	}
}

func probe(ctx context.Context, server string, add func(row)) {
	c, err := client.New(server, client.WithTimeout(10*time.Second))
	if err != nil {
		add(row{server: server, logbook: "-", state: "BAD_URL", detail: err.Error()})
		return
	}
	version, err := c.Health(ctx)
	if err != nil {
		add(row{server: server, logbook: "-", state: "DOWN", detail: err.Error()})
		return
	}
	list, err := c.Logbooks(ctx)
	if err != nil {
		add(row{server: server, logbook: "-", state: "ERROR", detail: err.Error()})
		return
	}
	if !list.LedgerReachable {
		add(row{server: server, logbook: "-", state: "LEDGER_DOWN", detail: "version " + version})
	}
	for _, name := range list.Logbooks {
		in, err := c.Integrity(ctx, name)
		if err != nil {
			add(row{server: server, logbook: name, state: "ERROR", detail: err.Error()})
			continue
		}
		add(row{server: server, logbook: name, state: string(in.State), detail: in.Reason})
	}
}
