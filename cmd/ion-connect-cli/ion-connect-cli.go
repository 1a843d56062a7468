package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	stdlibtime "time"

	"github.com/spf13/cobra"

	"github.com/ice-blockchain/ion-connect-client/cfg"
	"github.com/ice-blockchain/ion-connect-client/client"
	"github.com/ice-blockchain/ion-connect-client/model"
	"github.com/ice-blockchain/ion-connect-client/storage"
)

type cliConfig struct {
	Relays    []string
	CacheFile string
}

var (
	configPath string
	relayURLs  []string
	timeout    stdlibtime.Duration

	fetchIDs     []string
	fetchAuthors []string
	fetchKinds   []int
	fetchSince   int64
	fetchUntil   int64
	fetchLimit   int

	publishKey     string
	publishKind    int
	publishContent string
	publishTags    []string

	rootCmd = &cobra.Command{
		Use:   "ion-connect-cli",
		Short: "command line client for ion connect relays",
	}
	fetchCmd = &cobra.Command{
		Use:   "fetch",
		Short: "query the stored events matching a filter and print them as json lines",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			cl, conf := mustConnect(ctx)
			defer cl.Close()

			filter := model.Filter{
				IDs:     fetchIDs,
				Authors: fetchAuthors,
				Limit:   fetchLimit,
			}
			for _, kind := range fetchKinds {
				filter.Kinds = append(filter.Kinds, model.Kind(kind))
			}
			if fetchSince > 0 {
				since := model.Timestamp(fetchSince)
				filter.Since = &since
			}
			if fetchUntil > 0 {
				until := model.Timestamp(fetchUntil)
				filter.Until = &until
			}

			events, err := cl.FetchMany(ctx, model.Filters{filter})
			if err != nil {
				log.Panic(err)
			}
			var cache *storage.Cache
			if conf.CacheFile != "" {
				cache = storage.MustOpen(conf.CacheFile)
				defer cache.Close()
			}
			for _, event := range events {
				data, mErr := event.MarshalJSON()
				if mErr != nil {
					log.Panic(mErr)
				}
				fmt.Println(string(data))
				if cache != nil {
					if sErr := cache.SaveEvent(ctx, event); sErr != nil {
						log.Printf("WARN: failed to cache event %v: %v", event.ID, sErr)
					}
				}
			}
		},
	}
	publishCmd = &cobra.Command{
		Use:   "publish",
		Short: "sign an event and publish it to every relay",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			cl, _ := mustConnect(ctx)
			defer cl.Close()

			unsigned := &model.UnsignedEvent{
				CreatedAt: model.Now(),
				Kind:      model.Kind(publishKind),
				Content:   publishContent,
			}
			for _, rawTag := range publishTags {
				unsigned.Tags = append(unsigned.Tags, model.Tag(strings.Split(rawTag, "=")))
			}
			event, err := unsigned.Sign(publishKey)
			if err != nil {
				log.Panic(err)
			}

			results, err := cl.Publish(ctx, event)
			for _, result := range results {
				switch {
				case result.Err != nil:
					fmt.Printf("%v\tfailed\t%v\n", result.RelayURL, result.Err)
				case result.Outcome.Success:
					fmt.Printf("%v\taccepted\n", result.RelayURL)
				default:
					fmt.Printf("%v\trejected\t%v\n", result.RelayURL, result.Outcome.Reason)
				}
			}
			if err != nil {
				log.Panic(err)
			}
			fmt.Printf("event id %v\n", event.ID)
		},
	}
	initFlags = func() {
		rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the yaml configuration file")
		rootCmd.PersistentFlags().StringSliceVar(&relayURLs, "relay", nil, "relay url, repeatable, merged with the configured ones")
		rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*stdlibtime.Second, "overall operation deadline")

		fetchCmd.Flags().StringSliceVar(&fetchIDs, "id", nil, "event id to fetch, repeatable")
		fetchCmd.Flags().StringSliceVar(&fetchAuthors, "author", nil, "author public key, repeatable")
		fetchCmd.Flags().IntSliceVar(&fetchKinds, "kind", nil, "event kind, repeatable")
		fetchCmd.Flags().Int64Var(&fetchSince, "since", 0, "unix timestamp lower bound, inclusive")
		fetchCmd.Flags().Int64Var(&fetchUntil, "until", 0, "unix timestamp upper bound, inclusive")
		fetchCmd.Flags().IntVar(&fetchLimit, "limit", 0, "max events per relay")

		publishCmd.Flags().StringVar(&publishKey, "key", "", "hex private key used to sign the event")
		publishCmd.Flags().IntVar(&publishKind, "kind", int(model.KindTextNote), "event kind")
		publishCmd.Flags().StringVar(&publishContent, "content", "", "event content")
		publishCmd.Flags().StringSliceVar(&publishTags, "tag", nil, "tag as name=value[=extra...], repeatable")
		publishCmd.MarkFlagRequired("key")

		rootCmd.AddCommand(fetchCmd, publishCmd)
	}
)

func init() {
	initFlags()
}

// mustConnect merges the --relay flags with the configured relay set and
// connects to each, requiring at least one to come up.
func mustConnect(ctx context.Context) (*client.Client, *cliConfig) {
	if configPath != "" {
		cfg.MustInit(configPath)
	} else {
		cfg.MustInit()
	}
	conf := cfg.MustGet[cliConfig]()

	cl := client.NewClient(new(client.Config))
	connected := 0
	for _, relayURL := range append(append([]string{}, conf.Relays...), relayURLs...) {
		if err := cl.AddRelay(ctx, relayURL); err != nil {
			log.Printf("WARN: failed to connect relay %v: %v", relayURL, err)

			continue
		}
		connected++
	}
	if connected == 0 {
		log.Panic("no relay could be connected")
	}

	return cl, conf
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Panic(err)
	}
}
