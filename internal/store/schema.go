package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kilupskalvis/kbdump/internal/codec"
	"github.com/kilupskalvis/kbdump/internal/schema"
)

// RegisterType adds or replaces a type in the catalog. Supertypes must be
// registered first. The catalog is reloaded, so types obtained earlier from
// Repository are stale afterwards.
func (s *Store) RegisterType(ctx context.Context, t *schema.Type) error {
	attrs, err := json.Marshal(t.Attributes())
	if err != nil {
		return fmt.Errorf("failed to marshal attributes of %s: %w", t.Name(), err)
	}
	if super := t.SuperName(); super != "" && s.registry != nil {
		if _, ok := s.registry.Lookup(super); !ok && super != t.Name() {
			return fmt.Errorf("register %s: supertype %s: %w", t.Name(), super, schema.ErrUnknownType)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kb_type (name, table_name, super, abstract, unversioned, attributes, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM kb_type))
		ON CONFLICT(name) DO UPDATE SET
			table_name = excluded.table_name,
			super = excluded.super,
			abstract = excluded.abstract,
			unversioned = excluded.unversioned,
			attributes = excluded.attributes`,
		t.Name(),
		sql.NullString{String: t.TableName(), Valid: t.TableName() != ""},
		sql.NullString{String: t.SuperName(), Valid: t.SuperName() != ""},
		t.IsAbstract(), t.IsUnversioned(), string(attrs),
	)
	if err != nil {
		return fmt.Errorf("failed to register type %s: %w", t.Name(), err)
	}
	return s.reloadTypes(ctx)
}

// Repository returns the type catalog.
func (s *Store) Repository() schema.Repository {
	return s.registry
}

// Resolver returns the resolver over the catalog used to decode stored values.
func (s *Store) Resolver() *schema.Resolver {
	return s.resolver
}

// Codec returns the value codec bound to the catalog.
func (s *Store) Codec() *codec.Codec {
	return s.codec
}

func (s *Store) reloadTypes(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, table_name, super, abstract, unversioned, attributes
		FROM kb_type ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to load types: %w", err)
	}
	defer rows.Close()

	var (
		types  []*schema.Type
		supers = make(map[*schema.Type]string)
		byName = make(map[string]*schema.Type)
	)
	for rows.Next() {
		var (
			name, attrsJSON  string
			table, super     sql.NullString
			abstract, unvers bool
			attrs            []schema.Attribute
		)
		if err := rows.Scan(&name, &table, &super, &abstract, &unvers, &attrsJSON); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
			return fmt.Errorf("failed to parse attributes of %s: %w", name, err)
		}

		opts := []schema.TypeOption{schema.WithAttributes(attrs...)}
		if table.Valid {
			opts = append(opts, schema.WithTable(table.String))
		}
		if abstract {
			opts = append(opts, schema.Abstract())
		}
		if unvers {
			opts = append(opts, schema.Unversioned())
		}
		t := schema.NewType(name, opts...)
		if super.Valid {
			supers[t] = super.String
		}
		types = append(types, t)
		byName[name] = t
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for t, name := range supers {
		if err := t.SetSuper(byName[name]); err != nil {
			return err
		}
	}
	for _, t := range types {
		t.Freeze()
	}

	reg, err := schema.NewRegistry(types...)
	if err != nil {
		return err
	}
	s.registry = reg
	s.resolver = schema.NewResolver(reg, nil)
	s.codec = codec.New(s.resolver)
	return nil
}
