package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

// ReceiptLister is the slice of domain.ReceiptStore the archiver reads.
type ReceiptLister interface {
	ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.TradeReceipt, error)
}

// Archiver implements domain.ResolutionArchiver. Each resolution produces
// two objects:
//
//	resolutions/{market}/report.json     - the ResolutionReport
//	resolutions/{market}/receipts.jsonl  - every trade receipt of the market
//
// Re-archiving a market overwrites both objects.
type Archiver struct {
	objects  domain.ObjectStore
	receipts ReceiptLister
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewArchiver creates an Archiver. receipts and audit may be nil.
func NewArchiver(objects domain.ObjectStore, receipts ReceiptLister, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		objects:  objects,
		receipts: receipts,
		audit:    audit,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

// Archive uploads the report and the market's receipts and returns the
// report path.
func (a *Archiver) Archive(ctx context.Context, report domain.ResolutionReport) (string, error) {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal report %s: %w", report.MarketID, err)
	}
	path := reportPath(report.MarketID)
	if err := a.objects.Put(ctx, path, body, "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: upload report %s: %w", report.MarketID, err)
	}

	count := 0
	if a.receipts != nil {
		receipts, err := a.receipts.ListByMarket(ctx, report.MarketID, domain.ListOpts{})
		if err != nil {
			return path, fmt.Errorf("s3blob: list receipts %s: %w", report.MarketID, err)
		}
		if len(receipts) > 0 {
			buf, err := marshalJSONL(receipts)
			if err != nil {
				return path, fmt.Errorf("s3blob: marshal receipts %s: %w", report.MarketID, err)
			}
			if err := a.objects.Put(ctx, receiptsPath(report.MarketID), buf, "application/x-ndjson"); err != nil {
				return path, fmt.Errorf("s3blob: upload receipts %s: %w", report.MarketID, err)
			}
		}
		count = len(receipts)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.resolution", map[string]any{
			"market_id": report.MarketID,
			"path":      path,
			"receipts":  count,
		}); err != nil {
			a.logger.WarnContext(ctx, "archive audit log failed", slog.String("error", err.Error()))
		}
	}
	return path, nil
}

// Load reads back an archived report.
func (a *Archiver) Load(ctx context.Context, marketID string) (domain.ResolutionReport, error) {
	body, err := a.objects.Get(ctx, reportPath(marketID))
	if err != nil {
		return domain.ResolutionReport{}, err
	}

	var report domain.ResolutionReport
	if err := json.Unmarshal(body, &report); err != nil {
		return domain.ResolutionReport{}, fmt.Errorf("s3blob: decode report %s: %w", marketID, err)
	}
	return report, nil
}

func reportPath(marketID string) string   { return "resolutions/" + marketID + "/report.json" }
func receiptsPath(marketID string) string { return "resolutions/" + marketID + "/receipts.jsonl" }

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

var _ domain.ResolutionArchiver = (*Archiver)(nil)
