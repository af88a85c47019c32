package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikey-austin/airbridge/internal/adapters/mqtt"
	"github.com/mikey-austin/airbridge/internal/adapters/output"
	"github.com/mikey-austin/airbridge/pkg/airbridge"
)

func renderersCommand(f *flags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "renderers",
		Short: "List renderers bridged by running airbridged instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			if cfg.MQTT.Broker == "" {
				return errors.New("broker is required (set --broker or mqtt.broker)")
			}
			client, err := mqtt.NewClient(mqtt.Options{
				BrokerURL: cfg.MQTT.Broker,
				ClientID:  fmt.Sprintf("airbridged-cli-%d", time.Now().UnixNano()),
				Username:  cfg.MQTT.User,
				Password:  cfg.MQTT.Pass,
				TLSCA:     cfg.MQTT.TLSCA,
				TLSCert:   cfg.MQTT.TLSCert,
				TLSKey:    cfg.MQTT.TLSKey,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			collector := newPresenceCollector()
			filter := cfg.MQTT.TopicBase + "/renderer/+/presence"
			if err := client.Subscribe(filter, collector.handle); err != nil {
				return err
			}
			select {
			case <-time.After(wait):
			case <-cmd.Context().Done():
			}
			_ = client.Unsubscribe(filter)
			return output.New(cmd.OutOrStdout(), f.jsonOut).Print(collector.list())
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 2*time.Second, "how long to collect retained presence")
	return cmd
}

// presenceCollector keeps the latest presence per topic. An empty payload
// clears the entry.
type presenceCollector struct {
	mu      sync.Mutex
	entries map[string]airbridge.RendererPresence
}

func newPresenceCollector() *presenceCollector {
	return &presenceCollector{entries: map[string]airbridge.RendererPresence{}}
}

func (c *presenceCollector) handle(topic string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(payload) == 0 {
		delete(c.entries, topic)
		return
	}
	var p airbridge.RendererPresence
	if err := json.Unmarshal(payload, &p); err != nil || airbridge.ValidatePresence(p) != nil {
		return
	}
	c.entries[topic] = p
}

func (c *presenceCollector) list() []airbridge.RendererPresence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]airbridge.RendererPresence, 0, len(c.entries))
	for _, p := range c.entries {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b airbridge.RendererPresence) int {
		return strings.Compare(a.AirPlay.Name, b.AirPlay.Name)
	})
	return out
}
