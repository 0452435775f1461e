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

// Session is one visit / form-fill attempt.
type Session struct{ ent.Schema }

// Fields of the Session. JSON columns hold the versioned records of pkg/model.
func (Session) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").MaxLen(36).NotEmpty().Immutable(),
		field.String("document_type").Optional().Nillable().MaxLen(64),
		field.Text("user_agent").Optional(),
		field.JSON("device", map[string]any{}).Optional(),
		field.JSON("referral", map[string]any{}).Optional(),
		field.String("ip_address").Optional().MaxLen(64),
		field.String("country").Optional().Nillable().MaxLen(128),
		field.JSON("geo", map[string]any{}).Optional(),
		field.JSON("fingerprint", map[string]any{}).Optional(),
		field.String("fingerprint_hash").Optional().MaxLen(128),
		field.Bool("is_returning").Default(false),
		field.Time("started_at").Default(time.Now).Immutable(),
		field.Time("last_activity_at").Default(time.Now),
		field.Time("completed_at").Optional().Nillable(),
		field.Bool("completed").Default(false),
		field.String("document_id").Optional().Nillable().MaxLen(64),
		field.JSON("form_snapshot", map[string]any{}).Optional(),
		field.JSON("behavioral", map[string]any{}).Optional(),
		field.JSON("mouse_heatmap", []any{}).Optional(),
		field.JSON("click_map", []any{}).Optional(),
	}
}

// Edges of the Session.
func (Session) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("field_logs", FieldLog.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the Session.
func (Session) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("fingerprint_hash"),
		index.Fields("started_at"),
		index.Fields("completed"),
	}
}

// Annotations of the Session.
func (Session) Annotations() []schema.Annotation {
	return []schema.Annotation{entsql.Annotation{Table: "sessions"}}
}
