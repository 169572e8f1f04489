// Package export renders the stock ledger as an XLSX workbook for audits.
package export

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"retailpos/backend/internal/domain"
)

const (
	SummarySheet = "Summary"
	LedgerSheet  = "Ledger"

	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	summaryHeader = []any{"SKU", "Name", "Quantity", "Reorder Threshold", "Low Stock", "Entries", "Replayed Quantity", "Consistent"}
	ledgerHeader  = []any{"Time (UTC)", "SKU", "Kind", "Change", "Previous", "New", "Sale ID", "Actor", "Note"}
)

// Source is the read side the export needs. *service.Service satisfies it.
type Source interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetStockLedger(ctx context.Context, productID string) ([]domain.StockAdjustment, error)
	ReplayStock(ctx context.Context, productID string) (domain.StockReplay, error)
}

// ProductLedger is one product with its full ledger and replay result.
type ProductLedger struct {
	Product domain.Product
	Entries []domain.StockAdjustment
	Replay  domain.StockReplay
}

// Collect reads every product's ledger and replay report from src.
func Collect(ctx context.Context, src Source) ([]ProductLedger, error) {
	products, err := src.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	out := make([]ProductLedger, 0, len(products))
	for _, product := range products {
		entries, err := src.GetStockLedger(ctx, product.ID)
		if err != nil {
			return nil, fmt.Errorf("ledger for %s: %w", product.SKU, err)
		}
		replay, err := src.ReplayStock(ctx, product.ID)
		if err != nil {
			return nil, fmt.Errorf("replay for %s: %w", product.SKU, err)
		}
		out = append(out, ProductLedger{Product: product, Entries: entries, Replay: replay})
	}
	return out, nil
}

// Build lays out a Summary sheet with one row per product and a Ledger
// sheet with every entry, grouped by product in the order given.
func Build(ledgers []ProductLedger) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.NewSheet(LedgerSheet); err != nil {
		f.Close()
		return nil, err
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}

	if err := writeRow(f, SummarySheet, 1, summaryHeader); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeRow(f, LedgerSheet, 1, ledgerHeader); err != nil {
		f.Close()
		return nil, err
	}

	ledgerRow := 2
	for i, l := range ledgers {
		p := l.Product
		summary := []any{p.SKU, p.Name, p.Quantity, p.ReorderThreshold, yesNo(p.LowStock()), l.Replay.Entries, l.Replay.ReplayedQuantity, yesNo(l.Replay.Consistent)}
		if err := writeRow(f, SummarySheet, i+2, summary); err != nil {
			f.Close()
			return nil, err
		}

		for _, e := range l.Entries {
			row := []any{
				e.CreatedAt.UTC().Format(time.RFC3339),
				p.SKU,
				string(e.Kind),
				e.QuantityChange,
				e.PreviousQuantity,
				e.NewQuantity,
				e.SaleID,
				e.ActorID,
				e.Note,
			}
			if err := writeRow(f, LedgerSheet, ledgerRow, row); err != nil {
				f.Close()
				return nil, err
			}
			ledgerRow++
		}
	}

	for sheet, width := range map[string]int{SummarySheet: len(summaryHeader), LedgerSheet: len(ledgerHeader)} {
		last, err := excelize.CoordinatesToCellName(width, 1)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := f.SetColWidth(LedgerSheet, "A", "A", 22); err != nil {
		f.Close()
		return nil, err
	}

	return f, nil
}

// Write builds the workbook and streams it to w.
func Write(w io.Writer, ledgers []ProductLedger) error {
	f, err := Build(ledgers)
	if err != nil {
		return fmt.Errorf("build workbook: %w", err)
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
