// Command parley wires the outbound request core together for one-shot use:
// send a message to a conversation (optionally streaming) or list stored
// conversations. The desktop UI drives the same dispatch API in-process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parleychat/parley/config"
	"github.com/parleychat/parley/conversations"
	"github.com/parleychat/parley/dispatch"
	"github.com/parleychat/parley/llm"
	"github.com/parleychat/parley/llm/openai"
	parleylogger "github.com/parleychat/parley/logger"
	"github.com/parleychat/parley/ratelimit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", "", "Path to YAML config file")
		logFile      = flag.String("logfile", "", "Path to log file. If not set, logs to stdout")
		pretty       = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		send         = flag.String("send", "", "Message to send")
		conversation = flag.String("conversation", "", "Conversation id to send to (created if missing)")
		model        = flag.String("model", "", "Model id (default from config)")
		stream       = flag.Bool("stream", false, "Stream the response incrementally")
		list         = flag.Bool("list", false, "List stored conversations")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	log, err := parleylogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	store, err := conversations.NewStore(cfg.Storage.DataDir, cfg.Storage.ArchiveDir, log)
	if err != nil {
		return err
	}

	sweeper := conversations.NewSweeper(store, conversations.SweepConfig{
		MaxAge:   time.Duration(cfg.Storage.ArchiveAfter) * 24 * time.Hour,
		MaxBytes: int64(cfg.Storage.ArchiveSizeKB) * 1024,
		Schedule: cfg.Storage.SweepSchedule,
	}, log)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}
	defer sweeper.Stop()

	gateway, err := openai.NewClient(cfg.Gateway.APIKey, cfg.Gateway.BaseURL, cfg.Gateway.Model,
		time.Duration(cfg.Gateway.Timeout)*time.Second)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(cfg.Limits.RequestsPerMinute, cfg.Limits.RequestsPerHour, log)
	policy := llm.RetryPolicy{
		MaxAttempts: cfg.Limits.MaxAttempts,
		BaseDelay:   llm.DefaultBaseDelay,
		MaxDelay:    llm.DefaultMaxDelay,
	}
	dispatcher := dispatch.New(log, gateway, limiter, store, policy, dispatch.Options{
		DefaultModel: cfg.Gateway.Model,
		MaxTokens:    cfg.Chat.MaxTokens,
		Temperature:  cfg.Chat.Temperature,
		TokenBudget:  cfg.Chat.TokenBudget,
		MaxInFlight:  cfg.Limits.MaxInFlight,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *list:
		return listConversations(dispatcher)
	case *send != "":
		if *conversation == "" {
			return fmt.Errorf("--conversation is required with --send")
		}
		return sendMessage(ctx, dispatcher, *send, *conversation, *model, *stream)
	default:
		flag.Usage()
		return nil
	}
}

func listConversations(d *dispatch.Dispatcher) error {
	ids, err := d.ListConversations()
	if err != nil {
		return err
	}
	for _, id := range ids {
		conv, err := d.LoadConversation(id)
		if err != nil {
			fmt.Printf("%s\t(unreadable: %v)\n", id, err)
			continue
		}
		fmt.Printf("%s\t%s\t%d messages\t%d tokens\n", id, conv.Title, len(conv.Messages), conv.TotalTokens)
	}
	return nil
}

func sendMessage(ctx context.Context, d *dispatch.Dispatcher, input, conversationID, model string, stream bool) error {
	if stream {
		msg, err := d.SubmitStreaming(ctx, input, conversationID, model, func(fragment string) {
			fmt.Print(fragment)
		})
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Printf("[%s, %d tokens]\n", msg.Model, msg.TokenCount)
		return nil
	}

	msg, err := d.Submit(ctx, input, conversationID, model)
	if err != nil {
		return err
	}
	fmt.Println(msg.Content)
	fmt.Printf("[%s, %d tokens]\n", msg.Model, msg.TokenCount)
	return nil
}
