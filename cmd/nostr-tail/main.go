// nostr-tail streams events off one or more relays and prints them to
// stdout, optionally publishing a note first. It exercises the full
// client stack: pool, gossip, local store, and signing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	nostr "nostr-sdk"
	"nostr-sdk/client"
	"nostr-sdk/pool"
	"nostr-sdk/store"
)

var defaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.primal.net",
}

func main() {
	var (
		relayList = flag.String("relays", strings.Join(defaultRelays, ","), "Comma-separated relay URLs")
		kindList  = flag.String("kinds", "1", "Comma-separated event kinds to follow")
		authors   = flag.String("authors", "", "Comma-separated author pubkeys (hex or npub)")
		limit     = flag.Int("limit", 20, "Stored events requested per relay")
		nsec      = flag.String("nsec", "", "Secret key (hex or nsec) for publishing and NIP-42 auth")
		publish   = flag.String("publish", "", "Publish this note before tailing")
		powBits   = flag.Int("pow", 0, "Proof-of-work bits for the published note")
		useGossip = flag.Bool("gossip", false, "Route publishes via NIP-65 relay lists")
		verbose   = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	if *nsec == "" {
		*nsec = os.Getenv("NOSTR_NSEC")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	opts := client.Options{
		Store:  store.NewMemoryStore(0, 0),
		Gossip: *useGossip,
		Logger: logger,
	}
	if *nsec != "" {
		keys, err := nostr.ParseKeys(*nsec)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid key:", err)
			os.Exit(1)
		}
		opts.Signer = nostr.NewKeySigner(keys)
		if npub, err := keys.Npub(); err == nil {
			logger.Info("signing as", "npub", npub)
		}
	}

	c := client.New(opts)
	for _, url := range strings.Split(*relayList, ",") {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		if _, err := c.AddRelay(url); err != nil {
			fmt.Fprintln(os.Stderr, "bad relay url:", url, err)
			os.Exit(1)
		}
	}
	c.Connect()
	defer c.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Surface connection state changes while debugging
	if *verbose {
		go logStatus(c)
	}

	if *publish != "" {
		b := nostr.NewEventBuilder(nostr.KindTextNote).Content(*publish)
		if *powBits > 0 {
			b.PoW(*powBits)
		}
		evt, out, err := c.SignAndPublish(ctx, b)
		if err != nil {
			fmt.Fprintln(os.Stderr, "publish failed:", err)
			os.Exit(1)
		}
		logger.Info("published", "event_id", evt.ID,
			"accepted", len(out.Success), "rejected", len(out.Failed))
		for url, reason := range out.Failed {
			logger.Warn("relay rejected note", "relay", url, "reason", reason)
		}
	}

	filter, err := buildFilter(*kindList, *authors, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	events, err := c.StreamEvents(ctx, []nostr.Filter{filter}, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "subscribe failed:", err)
		os.Exit(1)
	}

	for evt := range events {
		printEvent(evt)
	}
}

func buildFilter(kindList, authors string, limit int) (nostr.Filter, error) {
	f := nostr.Filter{Limit: limit}
	for _, k := range strings.Split(kindList, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		kind, err := strconv.Atoi(k)
		if err != nil {
			return f, fmt.Errorf("bad kind %q: %w", k, err)
		}
		f.Kinds = append(f.Kinds, kind)
	}
	for _, a := range strings.Split(authors, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "npub1") {
			pk, err := nostr.DecodeNpub(a)
			if err != nil {
				return f, fmt.Errorf("bad npub %q: %w", a, err)
			}
			a = pk
		}
		f.Authors = append(f.Authors, a)
	}
	return f, nil
}

func printEvent(evt *nostr.Event) {
	ts := time.Unix(evt.CreatedAt, 0).Format("15:04:05")
	content := evt.Content
	if len(content) > 120 {
		content = content[:120] + "…"
	}
	content = strings.ReplaceAll(content, "\n", " ")
	fmt.Printf("%s  kind=%-5d  %s  %s\n", ts, evt.Kind, nostr.ShortID(evt.PubKey), content)
}

func logStatus(c *client.Client) {
	ch, cancel := c.Notifications()
	defer cancel()
	for n := range ch {
		if n.Type == pool.NotificationRelayStatus {
			slog.Debug("relay status", "relay", n.RelayURL, "status", n.Status.String())
		}
	}
}
