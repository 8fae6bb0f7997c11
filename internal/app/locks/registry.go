package locks

import (
	"encoding/json"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/domain"
)

// ─── Authorized Persons & Key Registry ──────────────────────────────────────

const keyAuthorizedPersons = "authorizedPersons"

// Person is an authorized household member or regular visitor.
type Person struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Role   string   `json:"role"` // "resident", "cleaner", "visitor"
	Active bool     `json:"active"`
	Codes  []string `json:"codes,omitempty"` // access codes assigned to them
}

// AddPerson registers (and persists) an authorized person.
func (s *System) AddPerson(p Person) error {
	if p.ID == "" {
		return domain.InvalidArgument("empty person id")
	}
	s.mu.Lock()
	if s.persons == nil {
		s.persons = make(map[string]*Person)
	}
	s.persons[p.ID] = &p
	snapshot := make(map[string]*Person, len(s.persons))
	for k, v := range s.persons {
		snapshot[k] = v
	}
	s.mu.Unlock()
	s.persistMap(keyAuthorizedPersons, snapshot)
	return nil
}

// PersonInfo returns a copy of one registered person.
func (s *System) PersonInfo(id string) (Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.persons[id]
	if !ok {
		return Person{}, domain.NotFound("person", id)
	}
	return *p, nil
}

// RegisterKey adds a physical key to the registry.
func (s *System) RegisterKey(k RegisteredKey) error {
	if k.ID == "" {
		return domain.InvalidArgument("empty key id")
	}
	k.IssuedAt = s.clk.Now().UnixMilli()
	s.mu.Lock()
	s.keys[k.ID] = &k
	snapshot := make(map[string]*RegisteredKey, len(s.keys))
	for id, v := range s.keys {
		snapshot[id] = v
	}
	s.mu.Unlock()
	s.persistMap(keyKeyRegistry, snapshot)
	return nil
}

// RevokeKey marks a key revoked; revoked keys stay in the registry for
// the audit history.
func (s *System) RevokeKey(id string) error {
	s.mu.Lock()
	k, ok := s.keys[id]
	if ok {
		k.Revoked = true
	}
	snapshot := make(map[string]*RegisteredKey, len(s.keys))
	for kid, v := range s.keys {
		snapshot[kid] = v
	}
	s.mu.Unlock()
	if !ok {
		return domain.NotFound("key", id)
	}
	s.persistMap(keyKeyRegistry, snapshot)
	return nil
}

// KeyInfo returns a copy of one registered key.
func (s *System) KeyInfo(id string) (RegisteredKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return RegisteredKey{}, domain.NotFound("key", id)
	}
	return *k, nil
}

// loadRegistry restores persons from their persisted key; key registry
// loading shares loadMap with the other mappings.
func (s *System) loadRegistry() {
	raw, err := s.host.SettingsGet(keyAuthorizedPersons)
	if err != nil || raw == nil {
		return
	}
	var persons map[string]*Person
	if err := json.Unmarshal(raw, &persons); err == nil {
		s.mu.Lock()
		s.persons = persons
		s.mu.Unlock()
	}
}
