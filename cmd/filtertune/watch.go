package main

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/filtertune/internal/events"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow search events published on NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.cfg.NATS.Enabled {
				return errors.New("watch needs nats.enabled")
			}
			p, err := events.Connect(a.cfg.EventsConfig())
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			sub, err := p.Subscribe(func(subject string, evt *events.Event) {
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintln(out, formatEvent(subject, evt))
			})
			if err != nil {
				return err
			}
			defer func() { _ = sub.Unsubscribe() }()

			<-cmd.Context().Done()
			return nil
		},
	}
}

func formatEvent(subject string, evt *events.Event) string {
	chainID := evt.ChainID
	if chainID == "" {
		chainID = "-"
	}
	return fmt.Sprintf("%s %-15s chain=%s subject=%s %s",
		evt.Timestamp.Format("15:04:05.000"), evt.Type, chainID, subject, evt.Payload)
}
