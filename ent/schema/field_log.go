package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// FieldLog is an append-only field value observation.
type FieldLog struct{ ent.Schema }

// Fields of the FieldLog.
func (FieldLog) Fields() []ent.Field {
	return []ent.Field{
		field.Int64("id"),
		field.String("session_id").MaxLen(36).NotEmpty().Immutable(),
		field.String("field_name").MaxLen(128).NotEmpty().Immutable(),
		field.Text("field_value").Immutable(),
		field.Time("logged_at").Default(time.Now).Immutable(),
	}
}

// Edges of the FieldLog.
func (FieldLog) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("session", Session.Type).
			Ref("field_logs").
			Field("session_id").
			Unique().
			Required().
			Immutable().
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the FieldLog.
func (FieldLog) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("session_id", "logged_at"),
		index.Fields("field_name"),
	}
}

// Annotations of the FieldLog.
func (FieldLog) Annotations() []schema.Annotation {
	return []schema.Annotation{entsql.Annotation{Table: "field_logs"}}
}
