package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrmod/gerritbot/backend"
	"github.com/mrmod/gerritbot/chat"
	"github.com/mrmod/gerritbot/format"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	flagConfigPath          = flag.String("config", "/etc/gerritbot/config.yaml", "Path to the bot's YAML configuration file")
	flagWebhookListenAddr   = flag.String("webhook-listen-addr", ":10005", "Address to listen on for chat webhook deliveries")
	flagLoggingTraceEnabled = flag.Bool("enable-trace-logging", false, "Enable trace logging")
	flagLoggingDebugEnabled = flag.Bool("enable-debug-logging", false, "Enable debug logging")
	flagDedupBackend        = flag.String("dedup-backend", "lru", "Duplicate-notification cache backend: \"lru\" (default, in-process) or \"redis\" (shared, survives restarts)")
	flagSaveLockEnabled     = flag.Bool("enable-save-lock", false, "Guard state.json writes with a Redis lease, for running a hot standby against the same state file")
)

// saveLockTTL bounds how long a RedisSaveLock lease is held if the
// owning process dies mid-write, so a stuck lease doesn't wedge the
// state file forever; it is far longer than a single debounced write.
const saveLockTTL = 5 * time.Second

func initFlags() {
	flag.Parse()
}

func setupLogging() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *flagLoggingDebugEnabled {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if *flagLoggingTraceEnabled {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}
}

func main() {
	initFlags()
	setupLogging()

	cfg, err := LoadConfig(*flagConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForShutdownSignal(cancel)

	var saveLock backend.SaveLock
	if *flagSaveLockEnabled {
		if cfg.Redis.Addr == "" {
			log.Fatal().Msg("--enable-save-lock requires redis.addr in the configuration")
		}
		saveLock = backend.NewRedisSaveLock(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Bot.StatePath, saveLockTTL)
	}
	store := backend.NewFileStoreWithLock(cfg.Bot.StatePath, saveLock)
	defer store.Close()

	set, err := store.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load subscriber state")
	}

	formatter, err := format.Load(cfg.Format.ScriptPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load formatter script")
	}
	defer formatter.Close()

	chatClient, err := chat.NewClient(ctx, cfg.Chat.Endpoint, cfg.Chat.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create chat client")
	}

	eventSource, err := NewGerritEventSource(cfg.Gerrit.sshURL(), cfg.Gerrit.PrivKeyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gerrit event source")
	}

	dedup, err := newDedupCache(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create dedup cache")
	}
	dispatcher := NewDispatcher(formatter, chatClient, dedup)
	defer dispatcher.Close()

	commands := &Commands{Store: store, Formatter: formatter, Version: currentVersionInfo()}

	inbound := make(chan chat.InboundMessage, 64)
	events := make(chan Event, 16)

	runChatIngress(ctx, cfg, chatClient, inbound)
	go runGerritStream(ctx, eventSource, events)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		runDispatchLoop(ctx, dispatcher, set, events)
	}()
	go runCommandLoop(ctx, commands, chatClient, store, set, inbound)

	log.Info().Str("version", currentVersionInfo().String()).Msg("gerritbot started")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	<-dispatchDone
	if err := store.Save(context.Background(), set); err != nil {
		log.Error().Err(err).Msg("failed to save final state during shutdown")
	}
}

// newDedupCache selects the Dispatcher's duplicate-notification cache
// per --dedup-backend: the in-process LRU (nil, letting NewDispatcher
// supply its own default) or a Redis-backed cache shared across a hot
// standby.
func newDedupCache(cfg *Config) (DedupCache, error) {
	switch *flagDedupBackend {
	case "", "lru":
		return nil, nil
	case "redis":
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("--dedup-backend=redis requires redis.addr in the configuration")
		}
		return backend.NewRedisDedupCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, dedupCacheTTL), nil
	default:
		return nil, fmt.Errorf("unknown --dedup-backend %q, expected \"lru\" or \"redis\"", *flagDedupBackend)
	}
}

func waitForShutdownSignal(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	cancel()
}

// runGerritStream owns the gerrit_stream long-lived task: it feeds
// decoded events into events until ctx is cancelled.
func runGerritStream(ctx context.Context, source *GerritEventSource, events chan<- Event) {
	source.Listen(ctx, events)
}

// runDispatchLoop owns the dispatcher long-lived task: every event is
// dispatched against the in-memory subscriber set. A panic while
// dispatching one event is logged and that event is skipped.
func runDispatchLoop(ctx context.Context, d *Dispatcher, set *backend.SubscriberSet, events <-chan Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Str("type", ev.Type).Msg("dispatching event panicked, skipping it")
					}
				}()
				d.Dispatch(ctx, set, &ev)
			}()
		case <-ctx.Done():
			return
		}
	}
}

// runCommandLoop owns the chat_ingress consumer side: every inbound
// message is parsed as a command, replied to, and the mutated
// subscriber set is persisted.
func runCommandLoop(ctx context.Context, c *Commands, sender ChatSender, store backend.Store, set *backend.SubscriberSet, inbound <-chan chat.InboundMessage) {
	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			reply := c.Handle(set, msg.PersonID, msg.PersonEmail, msg.Text)
			if err := store.Save(ctx, set); err != nil {
				log.Error().Err(err).Msg("failed to persist subscriber state")
			}
			if reply.Text == "" {
				continue
			}
			if err := sender.Send(ctx, msg.PersonID, reply.Text); err != nil {
				log.Error().Err(err).Str("chat_id", msg.PersonID).Msg("failed to send command reply")
			}
		case <-ctx.Done():
			return
		}
	}
}

// runChatIngress wires whichever inbound variant the configuration
// selects: an HTTP webhook receiver or an SQS long-poller, never both.
func runChatIngress(ctx context.Context, cfg *Config, client *chat.Client, inbound chan<- chat.InboundMessage) {
	if cfg.Chat.WebhookURL != "" {
		if err := client.RegisterWebhook(ctx, cfg.Chat.WebhookURL); err != nil {
			log.Fatal().Err(err).Msg("failed to register chat webhook")
		}
		handler := chat.NewWebhookHandler(client, inbound)
		server := &http.Server{Addr: *flagWebhookListenAddr, Handler: handler}
		go func() {
			<-ctx.Done()
			_ = server.Close()
		}()
		go func() {
			log.Info().Str("addr", *flagWebhookListenAddr).Msg("listening for chat webhook deliveries")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("webhook listener failed")
			}
		}()
		return
	}

	poller, err := chat.NewQueuePoller(client, cfg.Chat.SQS, cfg.Chat.SQSRegion, inbound)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create sqs queue poller")
	}
	go poller.Run(ctx)
}
