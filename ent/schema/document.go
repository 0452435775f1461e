package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Document is an issued invoice/quote, read by the analytics engine.
type Document struct{ ent.Schema }

// Fields of the Document.
func (Document) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").MaxLen(64).NotEmpty().Immutable(),
		field.String("document_type").MaxLen(64).Default("invoice"),
		field.JSON("sender", map[string]any{}).Optional(),
		field.JSON("recipient", map[string]any{}).Optional(),
		field.JSON("line_items", []any{}).Optional(),
		field.Float("grand_total").Default(0),
		field.String("currency").MaxLen(8).Default("USD"),
		field.String("industry").Optional().Nillable().MaxLen(64),
		field.String("revenue_range").Optional().Nillable().MaxLen(32),
		field.Time("created_at").Default(time.Now).Immutable(),
	}
}

// Indexes of the Document.
func (Document) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("created_at"),
	}
}

// Annotations of the Document.
func (Document) Annotations() []schema.Annotation {
	return []schema.Annotation{entsql.Annotation{Table: "documents"}}
}
