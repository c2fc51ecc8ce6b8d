package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pariflow/pariflow/internal/domain"
)

// Archiver bundles resolved markets older than the retention window into
// JSONL archives on S3 and prunes the matching audit rows. Markets and
// positions themselves are never deleted; only audit history is pruned once
// its bundle is safely uploaded.
type Archiver struct {
	client *Client
	ledger domain.Ledger
	audit  domain.AuditStore
	logger *slog.Logger

	retention time.Duration
	interval  time.Duration
}

// NewArchiver creates an Archiver. retention is how long settled history
// stays in the primary store; interval is how often the sweep runs.
func NewArchiver(client *Client, ledger domain.Ledger, audit domain.AuditStore, retention, interval time.Duration, logger *slog.Logger) *Archiver {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Archiver{
		client:    client,
		ledger:    ledger,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
		retention: retention,
		interval:  interval,
	}
}

// Run sweeps periodically until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Sweep(ctx); err != nil {
				a.logger.WarnContext(ctx, "archive sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// settledMarketBundle is the archived record for one resolved market.
type settledMarketBundle struct {
	Market    archivedMarket     `json:"market"`
	Positions []archivedPosition `json:"positions"`
}

type archivedMarket struct {
	ID         int64      `json:"id"`
	Question   string     `json:"question"`
	Creator    string     `json:"creator"`
	EndTime    time.Time  `json:"end_time"`
	TotalYes   string     `json:"total_yes"`
	TotalNo    string     `json:"total_no"`
	Outcome    bool       `json:"outcome"`
	ResolvedAt *time.Time `json:"resolved_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

type archivedPosition struct {
	Address   string `json:"address"`
	YesAmount string `json:"yes_amount"`
	NoAmount  string `json:"no_amount"`
	Claimed   bool   `json:"claimed"`
}

// Sweep archives every market resolved before the retention cutoff, then
// prunes audit rows older than the cutoff. Upload failures abort the sweep
// before anything is pruned.
func (a *Archiver) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-a.retention)

	markets, err := a.ledger.ListResolvedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: list settled markets: %w", err)
	}
	if len(markets) == 0 {
		return nil
	}

	bundles := make([]settledMarketBundle, 0, len(markets))
	for _, m := range markets {
		positions, err := a.ledger.ListPositions(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("s3blob: list positions for market %d: %w", m.ID, err)
		}
		bundles = append(bundles, bundle(m, positions))
	}

	buf, err := marshalJSONL(bundles)
	if err != nil {
		return fmt.Errorf("s3blob: marshal settled markets: %w", err)
	}

	path := archivePath("settlements", cutoff)
	if err := a.client.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return err
	}

	pruned, err := a.audit.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: prune audit rows: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.settlements", map[string]any{
		"path":         path,
		"markets":      len(bundles),
		"audit_pruned": pruned,
		"before":       cutoff.Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("s3blob: archive audit log: %w", err)
	}

	a.logger.InfoContext(ctx, "settled markets archived",
		slog.String("path", path),
		slog.Int("markets", len(bundles)),
		slog.Int64("audit_pruned", pruned),
	)
	return nil
}

func bundle(m domain.Market, positions []domain.Position) settledMarketBundle {
	b := settledMarketBundle{
		Market: archivedMarket{
			ID:         m.ID,
			Question:   m.Question,
			Creator:    m.Creator,
			EndTime:    m.EndTime,
			TotalYes:   m.TotalYesAmount.String(),
			TotalNo:    m.TotalNoAmount.String(),
			Outcome:    m.Outcome,
			ResolvedAt: m.ResolvedAt,
			CreatedAt:  m.CreatedAt,
		},
	}
	for _, p := range positions {
		b.Positions = append(b.Positions, archivedPosition{
			Address:   p.Address,
			YesAmount: p.YesAmount.String(),
			NoAmount:  p.NoAmount.String(),
			Claimed:   p.Claimed,
		})
	}
	return b
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
