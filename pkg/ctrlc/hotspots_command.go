package ctrlc

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/lab5e/ringfunk/pkg/funk"
)

// HotspotsCommand shows the load per shard
type HotspotsCommand struct {
}

// Run executes the hotspots command
func (c *HotspotsCommand) Run(args RunContext) error {
	client := connectToManagement(args.RouterServer())
	if client == nil {
		return errStd
	}
	ctx, done := requestContext(args.RouterServer())
	defer done()
	snap, err := client.Hotspots(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error retrieving load: %v\n", err)
		return errStd
	}
	table := tabwriter.NewWriter(os.Stdout, 1, 3, 1, ' ', 0)
	fmt.Fprintf(table, "Shard ID\tWeight\tSamples\tRate\tSmoothed\tPer weight\tStorage\n")
	for _, s := range snap.Shards {
		fmt.Fprintf(table, "%s\t%d\t%d\t%.1f\t%.1f\t%.1f\t%d\n",
			s.ShardID, s.Weight, s.Samples, s.Rate, s.SmoothedRate, s.Normalized, s.StorageBytes)
	}
	table.Flush()
	fmt.Printf("\nImbalance: %.2f (threshold %.2f)", snap.Score, snap.Threshold)
	if !snap.BreachedSince.IsZero() {
		fmt.Printf(", over threshold for %s", time.Since(snap.BreachedSince).Round(time.Second))
	}
	fmt.Println()
	return nil
}

// EventsCommand streams events from the router until interrupted
type EventsCommand struct {
}

// Run executes the events command
func (c *EventsCommand) Run(args RunContext) error {
	client := connectToManagement(args.RouterServer())
	if client == nil {
		return errStd
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := client.Events(ctx, func(ev funk.Event) error {
		ts := ev.Timestamp.Format("15:04:05.000")
		switch ev.Kind {
		case funk.DirectoryPublished:
			fmt.Printf("%s directory  version %d, %d shards\n", ts, ev.Version, ev.Shards)
		case funk.MigrationChanged:
			if ev.Plan != nil {
				fmt.Printf("%s migration  %s %s (%d/%d ranges copied)\n", ts, ev.Plan.ID, ev.Plan.State, ev.Plan.Copied, len(ev.Plan.Moves))
			}
		case funk.HotspotDetected:
			if ev.Hotspot != nil {
				fmt.Printf("%s hotspot    %s score %.2f, suggested weights %v\n", ts, ev.Hotspot.HotShard, ev.Hotspot.Score, ev.Hotspot.Weights)
			}
		case funk.HealthChanged:
			if ev.Health != nil {
				fmt.Printf("%s health     %s is %s\n", ts, ev.ShardID, *ev.Health)
			}
		default:
			fmt.Printf("%s %s\n", ts, ev.Kind)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error streaming events: %v\n", err)
		return errStd
	}
	return nil
}
