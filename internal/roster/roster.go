// Package roster reads the list of enrolled people and resolves identity IDs
// to display names.
package roster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/face-attendance/internal/attendance"
)

// File is the YAML roster format:
//
//	identities:
//	  - id: "104"
//	    name: Jana Nováková
type File struct {
	Identities []attendance.Identity `yaml:"identities"`
}

// Roster is an immutable in-memory directory.
type Roster struct {
	identities []attendance.Identity
	byID       map[string]int
}

// New builds a roster. IDs must be non-empty and unique.
func New(identities []attendance.Identity) (*Roster, error) {
	r := &Roster{
		identities: make([]attendance.Identity, 0, len(identities)),
		byID:       make(map[string]int, len(identities)),
	}
	for i, identity := range identities {
		identity.ID = strings.TrimSpace(identity.ID)
		if identity.ID == "" {
			return nil, fmt.Errorf("identity %d has no id", i)
		}
		if _, dup := r.byID[identity.ID]; dup {
			return nil, fmt.Errorf("duplicate identity id %q", identity.ID)
		}
		identity.DisplayName = strings.TrimSpace(identity.DisplayName)
		r.byID[identity.ID] = len(r.identities)
		r.identities = append(r.identities, identity)
	}
	return r, nil
}

// Load reads a YAML roster file.
func Load(path string) (*Roster, error) {
	if path == "" {
		return nil, errors.New("roster path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse roster %s: %w", path, err)
	}
	return New(f.Identities)
}

// Lookup implements attendance.Directory.
func (r *Roster) Lookup(ctx context.Context, identityID string) (attendance.Identity, error) {
	i, ok := r.byID[identityID]
	if !ok {
		return attendance.Identity{}, attendance.ErrNotFound
	}
	return r.identities[i], nil
}

// Identities returns the roster in file order.
func (r *Roster) Identities() []attendance.Identity {
	out := make([]attendance.Identity, len(r.identities))
	copy(out, r.identities)
	return out
}

// Len returns the number of identities.
func (r *Roster) Len() int {
	return len(r.identities)
}

// Search returns identities whose normalized name contains the normalized
// query, so "novakova" finds "Jana Nováková".
func (r *Roster) Search(query string) []attendance.Identity {
	q := NormalizeName(query)
	if q == "" {
		return nil
	}
	var out []attendance.Identity
	for _, identity := range r.identities {
		if strings.Contains(NormalizeName(identity.DisplayName), q) || identity.ID == query {
			out = append(out, identity)
		}
	}
	return out
}
