// Package archive exports the day's completed order records to blob storage
// as JSONL, one object per trading day.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/calebriley/optexec/internal/domain"
)

// Config controls when and where daily exports run.
type Config struct {
	// Prefix is the object key prefix, e.g. "ledger".
	Prefix string

	// CutoffHour is the local hour at which the day's export runs. The
	// default of 21 lands well after the US equity close.
	CutoffHour int

	// Timezone is the IANA name of the trading-day timezone.
	Timezone string
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "ledger"
	}
	if c.CutoffHour == 0 {
		c.CutoffHour = 21
	}
	if c.Timezone == "" {
		c.Timezone = "America/New_York"
	}
}

// Archiver serializes terminal order records to JSONL and uploads one object
// per trading day.
type Archiver struct {
	cfg    Config
	ledger domain.OrderLedger
	audit  domain.AuditStore
	writer domain.BlobWriter
	logger *slog.Logger
	loc    *time.Location

	now func() time.Time
}

// New creates an Archiver. It returns an error when the configured timezone
// is unknown.
func New(cfg Config, ledger domain.OrderLedger, audit domain.AuditStore, writer domain.BlobWriter, logger *slog.Logger) (*Archiver, error) {
	cfg.applyDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("archive: load timezone %s: %w", cfg.Timezone, err)
	}
	return &Archiver{
		cfg:    cfg,
		ledger: ledger,
		audit:  audit,
		writer: writer,
		logger: logger.With(slog.String("component", "archiver")),
		loc:    loc,
		now:    time.Now,
	}, nil
}

// exportRecord is the JSONL shape of an archived order.
type exportRecord struct {
	OrderID       string `json:"order_id"`
	BrokerOrderID string `json:"broker_order_id,omitempty"`
	StrategyID    string `json:"strategy_id"`
	IntentTag     string `json:"intent_tag"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	LimitPrice    string `json:"limit_price,omitempty"`
	State         string `json:"state"`
	RequestedQty  int64  `json:"requested_qty"`
	FilledQty     int64  `json:"filled_qty"`
	AvgFillPrice  string `json:"avg_fill_price,omitempty"`
	RetryCount    int    `json:"retry_count,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func toExport(rec domain.OrderRecord) exportRecord {
	out := exportRecord{
		OrderID:       rec.OrderID,
		BrokerOrderID: rec.BrokerOrderID,
		StrategyID:    rec.StrategyID,
		IntentTag:     rec.IntentTag,
		Symbol:        rec.Symbol,
		Side:          string(rec.Side),
		Type:          string(rec.Type),
		State:         string(rec.State),
		RequestedQty:  rec.RequestedQty,
		FilledQty:     rec.FilledQty,
		RetryCount:    rec.RetryCount,
		CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !rec.LimitPrice.IsZero() {
		out.LimitPrice = rec.LimitPrice.String()
	}
	if !rec.AvgFillPrice.IsZero() {
		out.AvgFillPrice = rec.AvgFillPrice.String()
	}
	return out
}

// ArchiveDay exports every record that reached a terminal state during the
// trading day containing t. It returns the number of records exported; a day
// with no completed orders uploads nothing.
func (a *Archiver) ArchiveDay(ctx context.Context, t time.Time) (int, error) {
	local := t.In(a.loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.loc)

	records, err := a.ledger.ListUpdatedSince(ctx, dayStart)
	if err != nil {
		return 0, fmt.Errorf("archive: list day's records: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	count := 0
	for _, rec := range records {
		if !rec.State.Terminal() {
			continue
		}
		if err := enc.Encode(toExport(rec)); err != nil {
			return 0, fmt.Errorf("archive: encode order %s: %w", rec.OrderID, err)
		}
		count++
	}
	if count == 0 {
		a.logger.Info("no completed orders to archive", slog.String("day", dayStart.Format("2006-01-02")))
		return 0, nil
	}

	key := fmt.Sprintf("%s/%s.jsonl", a.cfg.Prefix, dayStart.Format("2006/01/02"))
	if err := a.writer.Put(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("archive: upload %s: %w", key, err)
	}

	a.logger.Info("archived day's orders",
		slog.String("key", key),
		slog.Int("count", count),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "ledger_archived", map[string]any{
			"key":   key,
			"count": count,
			"day":   dayStart.Format("2006-01-02"),
		}); err != nil {
			a.logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}
	return count, nil
}

// Run archives once per day at the configured cutoff hour until the context
// is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		next := a.nextCutoff()
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if _, err := a.ArchiveDay(ctx, next); err != nil {
			// Tomorrow's export covers updated_at from midnight, so a failed
			// day is retried implicitly only if re-run; log loudly instead.
			a.logger.Error("daily archive failed", slog.String("error", err.Error()))
		}
	}
}

func (a *Archiver) nextCutoff() time.Time {
	now := a.now().In(a.loc)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), a.cfg.CutoffHour, 0, 0, 0, a.loc)
	if !cutoff.After(now) {
		cutoff = cutoff.AddDate(0, 0, 1)
	}
	return cutoff
}
