package store

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/dialect/sql/schema"
	entgoschema "entgo.io/ent/schema"

	entschema "formpulse/ent/schema"
	"formpulse/internal/db"
)

// Schemas lists the ent schemas backing the store, parents first.
var Schemas = []ent.Interface{
	entschema.Session{},
	entschema.FieldLog{},
	entschema.Document{},
}

// Tables converts Schemas into migration tables. Columns and indexes come
// from the field and index descriptors, foreign keys from inverse edges
// bound to a field.
func Tables() ([]*schema.Table, error) {
	byType := map[string]*schema.Table{}
	tables := make([]*schema.Table, 0, len(Schemas))
	for _, s := range Schemas {
		t, err := table(s)
		if err != nil {
			return nil, err
		}
		byType[reflect.TypeOf(s).Name()] = t
		tables = append(tables, t)
	}
	for i, s := range Schemas {
		t := tables[i]
		for _, e := range s.Edges() {
			d := e.Descriptor()
			if !d.Inverse || d.Field == "" {
				continue
			}
			ref, ok := byType[d.Type]
			if !ok {
				return nil, fmt.Errorf("store: edge %s.%s references unknown schema %s", t.Name, d.Name, d.Type)
			}
			col, ok := findColumn(t, d.Field)
			if !ok {
				return nil, fmt.Errorf("store: edge %s.%s: no column %s", t.Name, d.Name, d.Field)
			}
			t.ForeignKeys = append(t.ForeignKeys, &schema.ForeignKey{
				Symbol:     t.Name + "_" + ref.Name + "_" + d.Name,
				Columns:    []*schema.Column{col},
				RefTable:   ref,
				RefColumns: ref.PrimaryKey,
				OnDelete:   onDelete(d.Annotations),
			})
		}
	}
	return tables, nil
}

func table(s ent.Interface) (*schema.Table, error) {
	t := &schema.Table{Name: tableName(s)}
	for _, f := range s.Fields() {
		d := f.Descriptor()
		if d.Err != nil {
			return nil, fmt.Errorf("store: %s.%s: %w", t.Name, d.Name, d.Err)
		}
		c := &schema.Column{
			Name:     d.Name,
			Type:     d.Info.Type,
			Size:     int64(d.Size),
			Unique:   d.Unique,
			Nullable: d.Optional || d.Nillable,
		}
		if d.Name == "id" {
			c.Unique, c.Nullable = false, false
			c.Increment = d.Info.Type.Numeric()
			t.PrimaryKey = []*schema.Column{c}
		}
		t.Columns = append(t.Columns, c)
	}
	if len(t.PrimaryKey) == 0 {
		return nil, fmt.Errorf("store: table %s has no id field", t.Name)
	}
	for _, ix := range s.Indexes() {
		d := ix.Descriptor()
		cols := make([]*schema.Column, 0, len(d.Fields))
		for _, name := range d.Fields {
			c, ok := findColumn(t, name)
			if !ok {
				return nil, fmt.Errorf("store: index on %s: no column %s", t.Name, name)
			}
			cols = append(cols, c)
		}
		t.Indexes = append(t.Indexes, &schema.Index{
			Name:    t.Name + "_" + strings.Join(d.Fields, "_"),
			Unique:  d.Unique,
			Columns: cols,
		})
	}
	return t, nil
}

func tableName(s ent.Interface) string {
	for _, a := range s.Annotations() {
		switch ann := a.(type) {
		case entsql.Annotation:
			if ann.Table != "" {
				return ann.Table
			}
		case *entsql.Annotation:
			if ann != nil && ann.Table != "" {
				return ann.Table
			}
		}
	}
	return strings.ToLower(reflect.TypeOf(s).Name()) + "s"
}

func onDelete(anns []entgoschema.Annotation) schema.ReferenceOption {
	for _, a := range anns {
		if ann, ok := a.(*entsql.Annotation); ok && ann.OnDelete != "" {
			return schema.ReferenceOption(ann.OnDelete)
		}
	}
	return schema.NoAction
}

func findColumn(t *schema.Table, name string) (*schema.Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Migrate creates or upgrades the tables.
func Migrate(ctx context.Context, d *db.DB) error {
	tables, err := Tables()
	if err != nil {
		return err
	}
	m, err := schema.NewMigrate(d.Driver)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if err := m.Create(ctx, tables...); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
