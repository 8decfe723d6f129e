// Command shardr runs a self-contained demo cluster: a coordinator and a few
// regions wired over the in-memory transport, with counter entities spread
// across the shard space.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codewandler/shardr-go/config"
	"github.com/codewandler/shardr-go/core/actor"
	"github.com/codewandler/shardr-go/core/coordinator"
	"github.com/codewandler/shardr-go/core/region"
	"github.com/codewandler/shardr-go/core/sharding"
	"github.com/codewandler/shardr-go/core/transport"
	"github.com/codewandler/shardr-go/ports/journal"
	"github.com/codewandler/shardr-go/ports/remember"
)

func main() {
	root := &cobra.Command{
		Use:           "shardr",
		Short:         "entity sharding runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(demoCmd())

	if err := root.Execute(); err != nil {
		color.Red("error: %s", err.Error())
		os.Exit(1)
	}
}

type counterAdd struct {
	Counter string `json:"counter"`
	Delta   int    `json:"delta"`
}

func demoCmd() *cobra.Command {
	var (
		regions    int
		messages   int
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "run an in-process demo cluster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			return runDemo(cmd.Context(), cfg, regions, messages)
		},
	}
	cmd.Flags().IntVar(&regions, "regions", 3, "number of regions to start")
	cmd.Flags().IntVar(&messages, "messages", 24, "messages to send")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return cmd
}

func runDemo(ctx context.Context, cfg config.Config, numRegions, numMessages int) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := transport.NewMemoryTransport().WithLog(log)
	defer t.Close()

	coord, err := coordinator.New(coordinator.Options{
		Log:       log,
		Journal:   journal.NewMemoryJournal(),
		Transport: t,
	})
	if err != nil {
		return err
	}
	if err := coord.Run(ctx); err != nil {
		return err
	}

	extractor := sharding.HashExtractor{
		NumShards: cfg.NumShards,
		Seed:      cfg.Seed,
		EntityKey: func(msg any) (sharding.EntityKey, any, bool) {
			m, ok := msg.(counterAdd)
			if !ok {
				return "", nil, false
			}
			return sharding.EntityKey(m.Counter), m, true
		},
	}
	store := remember.NewMemStore()

	regions := make([]*region.Region, 0, numRegions)
	for i := 0; i < numRegions; i++ {
		r, err := region.New(region.Options{
			Log:       log,
			ID:        sharding.RegionID(fmt.Sprintf("region-%d", i+1)),
			Transport: t,
			Extractor: extractor,
			Factory:   counterFactory(log),
			Remember:  store,
		})
		if err != nil {
			return err
		}
		if err := r.Run(ctx); err != nil {
			return err
		}
		regions = append(regions, r)
	}

	color.Cyan("sending %d messages through %d regions", numMessages, numRegions)
	for i := 0; i < numMessages; i++ {
		r := regions[i%len(regions)]
		msg := counterAdd{Counter: fmt.Sprintf("counter-%d", i%6), Delta: 1}
		if err := r.Deliver(ctx, msg); err != nil {
			return fmt.Errorf("deliver: %w", err)
		}
	}

	if err := printTable(ctx, coord); err != nil {
		return err
	}

	leaving := regions[0]
	color.Cyan("shutting down %s", leaving.ID())
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()
	if err := leaving.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", leaving.ID(), err)
	}

	return printTable(ctx, coord)
}

func counterFactory(log *slog.Logger) func(key sharding.EntityKey) (actor.Actor, error) {
	return func(key sharding.EntityKey) (actor.Actor, error) {
		total := 0
		return actor.TypedHandlers(
			actor.HandleMsg(func(h actor.HandlerCtx, m counterAdd) error {
				total += m.Delta
				fmt.Printf("  %s: %s = %d\n", color.YellowString("%s", key), m.Counter, total)
				return nil
			}),
		).ToActor(actor.Options{Logger: log.With(slog.String("entity", string(key)))}), nil
	}
}

func printTable(ctx context.Context, coord *coordinator.Coordinator) error {
	table, err := coord.Table(ctx)
	if err != nil {
		return err
	}

	byRegion := map[sharding.RegionID][]sharding.ShardKey{}
	for shard, region := range table {
		byRegion[region] = append(byRegion[region], shard)
	}
	ids := make([]sharding.RegionID, 0, len(byRegion))
	for id := range byRegion {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	color.Cyan("allocation table (%d shards)", len(table))
	for _, id := range ids {
		shards := byRegion[id]
		sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
		fmt.Printf("  %s: %v\n", color.GreenString("%s", id), shards)
	}
	return nil
}
