package schema

import (
	"sort"
	"sync"
)

// MigrationRepository wraps a live repository and synthesizes placeholder types
// for names the live schema does not know. Placeholders are created immediately
// and stay mutable until Complete wires their references and freezes them.
type MigrationRepository struct {
	live Repository

	mu           sync.Mutex
	placeholders map[string]*Type
	completed    bool
}

// NewMigrationRepository wraps live.
func NewMigrationRepository(live Repository) *MigrationRepository {
	return &MigrationRepository{
		live:         live,
		placeholders: make(map[string]*Type),
	}
}

// Lookup returns the live type or a placeholder for name. It only fails for an
// empty name.
func (m *MigrationRepository) Lookup(name string) (*Type, bool) {
	if name == "" {
		return nil, false
	}
	if t, ok := m.live.Lookup(name); ok {
		return t, true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placeholderLocked(name), true
}

func (m *MigrationRepository) placeholderLocked(name string) *Type {
	if t, ok := m.placeholders[name]; ok {
		return t
	}
	t := NewPlaceholder(name)
	if m.completed {
		// Late arrivals get resolved against what is already known.
		m.wireLocked(t)
		t.Freeze()
	}
	m.placeholders[name] = t
	return t
}

// Types returns the live types followed by the placeholders sorted by name.
func (m *MigrationRepository) Types() []*Type {
	out := m.live.Types()
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.placeholders))
	for name := range m.placeholders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, m.placeholders[name])
	}
	return out
}

// Placeholders returns the number of synthesized types.
func (m *MigrationRepository) Placeholders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.placeholders)
}

// Complete resolves supertype and element references between placeholders and
// freezes every synthesized type. References to further unknown names create
// more placeholders, which are resolved in the same pass.
func (m *MigrationRepository) Complete() {
	m.mu.Lock()
	defer m.mu.Unlock()

	done := make(map[string]bool)
	for {
		var pending []*Type
		for name, t := range m.placeholders {
			if !done[name] {
				pending = append(pending, t)
				done[name] = true
			}
		}
		if len(pending) == 0 {
			break
		}
		for _, t := range pending {
			m.wireLocked(t)
		}
	}

	for _, t := range m.placeholders {
		t.Freeze()
	}
	m.completed = true
}

func (m *MigrationRepository) wireLocked(t *Type) {
	if t.superName != "" && t.super == nil {
		t.super = m.resolveLocked(t.superName)
	}
	if t.elementName != "" && t.element == nil {
		t.element = m.resolveLocked(t.elementName)
	}
}

func (m *MigrationRepository) resolveLocked(name string) *Type {
	if t, ok := m.live.Lookup(name); ok {
		return t
	}
	return m.placeholderLocked(name)
}

// Completed reports whether Complete has run.
func (m *MigrationRepository) Completed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}
