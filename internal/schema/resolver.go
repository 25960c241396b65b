package schema

import "strings"

// Resolver maps names found in a dump to types of the target schema. Lookups
// tolerate case differences and logical versus physical names, honor configured
// renames and fall back to identity-stable placeholders. A Resolver belongs to
// one dump or replay session and is not safe for concurrent use.
type Resolver struct {
	repo Repository

	names  map[string]*Type
	folded map[string]*Type

	tables       map[string]*Type
	foldedTables map[string]*Type
}

// NewResolver indexes every type of repo under its name and, for types with
// storage, its table name. Renames map alias names to target type names and are
// installed after the default index.
func NewResolver(repo Repository, renames map[string]string) *Resolver {
	r := &Resolver{
		repo:         repo,
		names:        make(map[string]*Type),
		folded:       make(map[string]*Type),
		tables:       make(map[string]*Type),
		foldedTables: make(map[string]*Type),
	}

	types := repo.Types()
	for _, t := range types {
		r.index(t.Name(), t)
	}
	for _, t := range types {
		table := t.TableName()
		if table == "" {
			continue
		}
		if _, taken := r.names[table]; !taken {
			r.index(table, t)
		}
		r.tables[table] = t
		if _, taken := r.foldedTables[strings.ToLower(table)]; !taken {
			r.foldedTables[strings.ToLower(table)] = t
		}
	}

	for alias, target := range renames {
		if t := r.Resolve(target); t != nil {
			r.Alias(alias, t)
		}
	}
	return r
}

// Alias makes name resolve to t from now on, replacing any placeholder an
// earlier lookup of name produced.
func (r *Resolver) Alias(name string, t *Type) {
	r.index(name, t)
	if t.TableName() != "" || t.IsPlain() {
		r.tables[name] = t
		r.foldedTables[strings.ToLower(name)] = t
	}
}

func (r *Resolver) index(key string, t *Type) {
	r.names[key] = t
	r.folded[strings.ToLower(key)] = t
}

// Resolve returns the type for name. Unknown names yield a placeholder that is
// returned again for every later lookup of the same name. Resolve returns nil
// only for the empty name.
func (r *Resolver) Resolve(name string) *Type {
	if name == "" {
		return nil
	}
	if t, ok := r.names[name]; ok {
		return t
	}

	lower := strings.ToLower(name)
	if t, ok := r.folded[lower]; ok {
		r.names[name] = t
		return t
	}

	if t, ok := r.repo.Lookup(name); ok {
		r.index(name, t)
		return t
	}

	t := NewPlaceholder(name)
	t.Freeze()
	r.names[name] = t
	r.folded[lower] = t
	return t
}

// ResolveTable returns the type stored in the named table. Unknown tables yield
// a placeholder, stable across calls like Resolve.
func (r *Resolver) ResolveTable(name string) *Type {
	if name == "" {
		return nil
	}
	if t, ok := r.tables[name]; ok {
		return t
	}

	lower := strings.ToLower(name)
	if t, ok := r.foldedTables[lower]; ok {
		r.tables[name] = t
		return t
	}

	t := NewPlaceholder(name)
	t.Freeze()
	r.tables[name] = t
	r.foldedTables[lower] = t
	return t
}

// Known reports whether name resolves to a type that is not a placeholder.
func (r *Resolver) Known(name string) bool {
	t := r.Resolve(name)
	return t != nil && !t.IsPlaceholder()
}
