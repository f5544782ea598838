// Package events defines the JSON payloads the custody engine consumes and
// emits on the queue.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/contestfi/custody/internal/queue"
)

const (
	VersionContest    = "contests.event.v1"
	VersionTransfer   = "custody.transfer.v1"
	VersionReclaimRun = "custody.reclaim.run.v1"

	TopicContests    = VersionContest
	TopicTransfers   = VersionTransfer
	TopicReclaimRuns = VersionReclaimRun
)

var ErrInvalidEvent = errors.New("events: invalid event")

// Contest announces a contest lifecycle change. Wallets are created on the
// first event for a contest and resolved on terminal ones.
type Contest struct {
	Version    string    `json:"version"`
	ContestID  string    `json:"contestId"`
	Status     string    `json:"status"`
	Actor      string    `json:"actor,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func DecodeContest(b []byte) (Contest, error) {
	var ev Contest
	if err := json.Unmarshal(b, &ev); err != nil {
		return Contest{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if ev.Version == "" {
		ev.Version = VersionContest
	}
	if ev.Version != VersionContest {
		return Contest{}, fmt.Errorf("%w: version %q", ErrInvalidEvent, ev.Version)
	}
	ev.ContestID = strings.TrimSpace(ev.ContestID)
	ev.Status = strings.ToLower(strings.TrimSpace(ev.Status))
	if ev.ContestID == "" {
		return Contest{}, fmt.Errorf("%w: contestId is required", ErrInvalidEvent)
	}
	return ev, nil
}

// Transfer reports a transfer that reached a final state.
type Transfer struct {
	Version    string    `json:"version"`
	TransferID string    `json:"transferId"`
	WalletID   string    `json:"walletId"`
	ContestID  string    `json:"contestId,omitempty"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	AmountWei  string    `json:"amountWei"`
	Signature  string    `json:"signature,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// ReclaimRun summarizes one reclamation pass.
type ReclaimRun struct {
	Version            string    `json:"version"`
	RunID              string    `json:"runId"`
	DryRun             bool      `json:"dryRun"`
	Processed          int       `json:"processed"`
	Reclaimed          int       `json:"reclaimed"`
	Deferred           int       `json:"deferred"`
	Failed             int       `json:"failed"`
	TotalAmountWei     string    `json:"totalAmountWei"`
	ProjectedAmountWei string    `json:"projectedAmountWei"`
	ReportKey          string    `json:"reportKey,omitempty"`
	StartedAt          time.Time `json:"startedAt"`
	FinishedAt         time.Time `json:"finishedAt"`
}

// Publisher writes custody events to a queue producer.
type Publisher struct {
	producer queue.Producer
	log      *slog.Logger
}

func NewPublisher(p queue.Producer) *Publisher {
	return &Publisher{producer: p, log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (p *Publisher) WithLogger(log *slog.Logger) *Publisher {
	if p != nil && log != nil {
		p.log = log
	}
	return p
}

func (p *Publisher) PublishTransfer(ctx context.Context, ev Transfer) error {
	ev.Version = VersionTransfer
	if ev.TransferID == "" || ev.WalletID == "" {
		return fmt.Errorf("%w: transfer and wallet ids are required", ErrInvalidEvent)
	}
	return p.publish(ctx, TopicTransfers, ev.WalletID, ev)
}

func (p *Publisher) PublishReclaimRun(ctx context.Context, ev ReclaimRun) error {
	ev.Version = VersionReclaimRun
	if ev.RunID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidEvent)
	}
	return p.publish(ctx, TopicReclaimRuns, ev.RunID, ev)
}

func (p *Publisher) publish(ctx context.Context, topic, key string, v any) error {
	if p == nil || p.producer == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := p.producer.Publish(ctx, topic, []byte(key), b); err != nil {
		return fmt.Errorf("events: publish %s: %w", topic, err)
	}
	p.log.Debug("event published", "topic", topic, "key", key)
	return nil
}
