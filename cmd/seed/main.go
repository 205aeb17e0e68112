// Package main publishes scripted auction traffic onto the broker.
//
// A scenario is a YAML list of producer events with millisecond offsets from
// a base time. The seeder stands in for the external gateway during local
// runs and demos.
//
// Usage:
//
//	go run ./cmd/seed -scenario cmd/seed/testdata/basic.yaml
//	go run ./cmd/seed -scenario cmd/seed/testdata/basic.yaml -dry-run
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"gavel.io/gavel/internal/broker"
	"gavel.io/gavel/internal/config"
	"gavel.io/gavel/internal/domain"
	"gavel.io/gavel/internal/infrastructure"
	"gavel.io/gavel/internal/pkg/logger"
)

const defaultScenario = "cmd/seed/testdata/basic.yaml"

// Scenario is a scripted sequence of producer events.
type Scenario struct {
	Name   string          `yaml:"name"`
	Events []ScenarioEvent `yaml:"events"`
}

// ScenarioEvent is one producer event. At and the payload times are
// millisecond offsets from the scenario base time.
type ScenarioEvent struct {
	Type    domain.EventType `yaml:"type"`
	Auction string           `yaml:"auction"`
	At      int64            `yaml:"at"`
	Causal  int64            `yaml:"causal"`

	// Repeat republishes the envelope of an earlier event, by index,
	// with the same event id.
	Repeat *int `yaml:"repeat"`

	Seller        string   `yaml:"seller"`
	StartingPrice string   `yaml:"starting_price"`
	Currency      string   `yaml:"currency"`
	OpenAt        int64    `yaml:"open_at"`
	CloseAt       int64    `yaml:"close_at"`
	MediaKeys     []string `yaml:"media_keys"`

	BidID       string `yaml:"bid"`
	Bidder      string `yaml:"bidder"`
	Amount      string `yaml:"amount"`
	SubmittedAt *int64 `yaml:"submitted_at"`

	Reason string `yaml:"reason"`
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(raw)
}

// ParseScenario decodes a scenario document.
func ParseScenario(raw []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if len(s.Events) == 0 {
		return nil, fmt.Errorf("scenario %q has no events", s.Name)
	}
	return &s, nil
}

// Envelopes builds one envelope per event, in scenario order.
func (s *Scenario) Envelopes(base time.Time) ([]domain.Envelope, error) {
	out := make([]domain.Envelope, 0, len(s.Events))
	for i, ev := range s.Events {
		if ev.Repeat != nil {
			if *ev.Repeat < 0 || *ev.Repeat >= i {
				return nil, fmt.Errorf("event %d: repeat must name an earlier event, got %d", i, *ev.Repeat)
			}
			out = append(out, out[*ev.Repeat])
			continue
		}
		if ev.Auction == "" {
			return nil, fmt.Errorf("event %d: auction is required", i)
		}
		p, err := ev.payload(base)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		env, err := domain.NewEnvelope(ev.Auction, ev.Causal, p, base.Add(offset(ev.At)))
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, env)
	}
	return out, nil
}

func (ev ScenarioEvent) payload(base time.Time) (domain.Payload, error) {
	switch ev.Type {
	case domain.EventAuctionCreated:
		price, err := decimal.NewFromString(ev.StartingPrice)
		if err != nil {
			return nil, fmt.Errorf("starting_price %q: %w", ev.StartingPrice, err)
		}
		return domain.AuctionCreated{
			SellerID:      ev.Seller,
			StartingPrice: price,
			Currency:      ev.Currency,
			OpenAt:        domain.EpochMillis(base.Add(offset(ev.OpenAt))),
			CloseAt:       domain.EpochMillis(base.Add(offset(ev.CloseAt))),
			MediaKeys:     ev.MediaKeys,
		}, nil
	case domain.EventBidSubmitted:
		amount, err := decimal.NewFromString(ev.Amount)
		if err != nil {
			return nil, fmt.Errorf("amount %q: %w", ev.Amount, err)
		}
		submitted := ev.At
		if ev.SubmittedAt != nil {
			submitted = *ev.SubmittedAt
		}
		return domain.BidSubmitted{
			BidID:       ev.BidID,
			BidderID:    ev.Bidder,
			Amount:      amount,
			SubmittedAt: domain.EpochMillis(base.Add(offset(submitted))),
		}, nil
	case domain.EventAuctionCloseRequested:
		return domain.AuctionCloseRequested{Reason: ev.Reason}, nil
	case domain.EventAuctionCancelRequested:
		return domain.AuctionCancelRequested{Reason: ev.Reason}, nil
	default:
		return nil, fmt.Errorf("unsupported event type %q", ev.Type)
	}
}

func offset(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// publish sends envs to their topics. With realtime set it waits until each
// envelope's producer timestamp before sending it.
func publish(ctx context.Context, pub broker.Publisher, prefix string, envs []domain.Envelope, realtime bool) error {
	for _, env := range envs {
		if realtime {
			if err := sleepUntil(ctx, env.ProducedAt()); err != nil {
				return err
			}
		}
		body, err := domain.EncodeEnvelope(env)
		if err != nil {
			return err
		}
		topic := broker.Topic(prefix, env.Type)
		if err := pub.Publish(ctx, topic, broker.Message{Key: env.AuctionID, Body: body}); err != nil {
			return fmt.Errorf("publish %s for auction %s: %w", env.Type, env.AuctionID, err)
		}
		logger.Info("Published",
			logger.AuctionID(env.AuctionID),
			logger.EventID(env.EventID),
			logger.EventType(string(env.Type)),
			zap.String("topic", topic),
		)
	}
	return nil
}

func sleepUntil(ctx context.Context, at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// printEnvelopes writes envs as JSON lines.
func printEnvelopes(w io.Writer, envs []domain.Envelope) error {
	for _, env := range envs {
		body, err := domain.EncodeEnvelope(env)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s\n", body); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	scenarioPath := flag.String("scenario", envOrDefault("GAVEL_SEED_SCENARIO", defaultScenario), "scenario YAML file")
	start := flag.String("start", "", "base time (RFC3339), defaults to now")
	dryRun := flag.Bool("dry-run", false, "print envelopes instead of publishing")
	realtime := flag.Bool("realtime", false, "publish each event at its producer timestamp")
	flag.Parse()

	scenario, err := LoadScenario(*scenarioPath)
	if err != nil {
		return err
	}
	base := time.Now().UTC()
	if *start != "" {
		if base, err = time.Parse(time.RFC3339, *start); err != nil {
			return fmt.Errorf("parse -start: %w", err)
		}
	}
	envs, err := scenario.Envelopes(base)
	if err != nil {
		return fmt.Errorf("build scenario %q: %w", scenario.Name, err)
	}
	if *dryRun {
		return printEnvelopes(os.Stdout, envs)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	if cfg.Broker.Kind != config.BackendRedis {
		return fmt.Errorf("broker.kind is %q; seeding a running node needs the redis broker (use -dry-run otherwise)", cfg.Broker.Kind)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := infrastructure.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer client.Close()

	bus := broker.NewRedisStreamBroker(client, broker.RedisStreamConfig{
		Partitions: cfg.Broker.Partitions,
		MaxLen:     cfg.Broker.StreamMaxLen,
	})
	if err := publish(ctx, bus, cfg.Broker.TopicPrefix, envs, *realtime); err != nil {
		return err
	}
	logger.Info("Scenario published", zap.String("scenario", scenario.Name), zap.Int("events", len(envs)))
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}
