package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"region-similarity/internal/earthengine"
	"region-similarity/internal/messages"
)

func newClient(ctx context.Context) (*earthengine.Client, error) {
	creds, err := env.Credentials()
	if err != nil {
		return nil, err
	}
	return earthengine.NewClient(ctx, creds,
		earthengine.WithEndpoint(env.Endpoint),
		earthengine.WithProject(env.Project),
		earthengine.WithLogger(logger))
}

// printMessages writes every new message of the log to w once.
func printMessages(log *messages.Log, w io.Writer) {
	var (
		mu   sync.Mutex
		seen uint64
	)
	log.Subscribe(func(entries []messages.Entry) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range entries {
			if e.ID <= seen {
				continue
			}
			seen = e.ID
			fmt.Fprintf(w, "[%s] %s\n", e.Level, e.Text)
		}
	})
}
