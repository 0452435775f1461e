package store

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	"entgo.io/ent/dialect/sql"
	"github.com/samber/lo"

	"formpulse/pkg/model"
)

const tableDocuments = "documents"

var documentColumns = []string{
	"id", "document_type", "sender", "recipient", "line_items", "grand_total",
	"currency", "industry", "revenue_range", "created_at",
}

// InsertDocument writes a document row. Documents belong to the CRUD layer;
// this exists for seeding and tests.
func (s *Store) InsertDocument(ctx context.Context, d model.Document) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock()
	}
	sender, err := jsonArg(&d.Sender)
	if err != nil {
		return err
	}
	recipient, err := jsonArg(&d.Recipient)
	if err != nil {
		return err
	}
	items, err := jsonSlice(d.LineItems)
	if err != nil {
		return err
	}
	ins := s.b().Insert(tableDocuments).Columns(documentColumns...).
		Values(d.ID, lo.Ternary(d.DocumentType != "", d.DocumentType, "invoice"), sender, recipient, items,
			d.GrandTotal, lo.Ternary(d.Currency != "", d.Currency, "USD"),
			nullable(d.Industry), nullable(d.RevenueRange), d.CreatedAt.UTC().Truncate(time.Microsecond))
	if _, err := exec(ctx, s.db, ins); err != nil {
		return fmt.Errorf("store: insert document: %w", err)
	}
	return nil
}

// AllDocuments returns every document, oldest first.
func (s *Store) AllDocuments(ctx context.Context) ([]model.Document, error) {
	sel := s.b().Select(documentColumns...).From(sql.Table(tableDocuments)).OrderBy("created_at", "id")
	rows, err := query(ctx, s.db, sel)
	if err != nil {
		return nil, fmt.Errorf("store: query documents: %w", err)
	}
	defer rows.Close()
	var out []model.Document
	for rows.Next() {
		var (
			d                        model.Document
			sender, recipient, items []byte
			industry, revenue        stdsql.NullString
		)
		if err := rows.Scan(&d.ID, &d.DocumentType, &sender, &recipient, &items, &d.GrandTotal,
			&d.Currency, &industry, &revenue, &d.CreatedAt); err != nil {
			return nil, err
		}
		if p, err := decodeJSON[model.Party](sender); err != nil {
			return nil, fmt.Errorf("store: document %s sender: %w", d.ID, err)
		} else if p != nil {
			d.Sender = *p
		}
		if p, err := decodeJSON[model.Party](recipient); err != nil {
			return nil, fmt.Errorf("store: document %s recipient: %w", d.ID, err)
		} else if p != nil {
			d.Recipient = *p
		}
		if li, err := decodeJSON[[]model.LineItem](items); err != nil {
			return nil, fmt.Errorf("store: document %s line items: %w", d.ID, err)
		} else if li != nil {
			d.LineItems = *li
		}
		d.Industry, d.RevenueRange = ptrOf(industry), ptrOf(revenue)
		d.CreatedAt = d.CreatedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}
