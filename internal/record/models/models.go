package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Section names an independently tracked sub-document of a record.
type Section string

const (
	SectionIdentity       Section = "identity"
	SectionStatus         Section = "status"
	SectionAccess         Section = "access"
	SectionAuthorizations Section = "authorizations"
	SectionConnections    Section = "connections"
	SectionForms          Section = "forms"
	SectionExtras         Section = "extras"
	SectionNotes          Section = "notes"
)

// MonitoredSections are diffed on every write, in payload order.
var MonitoredSections = []Section{
	SectionIdentity,
	SectionStatus,
	SectionAccess,
	SectionAuthorizations,
}

var knownSections = map[Section]bool{
	SectionIdentity:       true,
	SectionStatus:         true,
	SectionAccess:         true,
	SectionAuthorizations: true,
	SectionConnections:    true,
	SectionForms:          true,
	SectionExtras:         true,
	SectionNotes:          true,
}

// IsValid reports whether s is a known section name.
func (s Section) IsValid() bool {
	return knownSections[s]
}

// IsMonitored reports whether changes to s produce change log entries.
func (s Section) IsMonitored() bool {
	for _, m := range MonitoredSections {
		if m == s {
			return true
		}
	}
	return false
}

// Sections maps section names to their JSON documents.
type Sections map[Section]json.RawMessage

// Clone returns a copy safe to mutate. The raw documents are shared, which
// is fine because they are never modified in place.
func (s Sections) Clone() Sections {
	out := make(Sections, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge applies a partial update: supplied sections replace the current ones
// and a JSON null removes the section.
func (s Sections) Merge(update Sections) Sections {
	out := s.Clone()
	for name, value := range update {
		if IsNull(value) {
			delete(out, name)
			continue
		}
		out[name] = value
	}
	return out
}

// IsNull reports whether raw is absent or the JSON literal null.
func IsNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

// Record is the current state of a tracked entity.
type Record struct {
	ID        int64     `json:"id"`
	Sections  Sections  `json:"sections"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type identityName struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// DisplayName is the operator-facing label: first and last name from the
// identity section, else its email, else the record id.
func (r *Record) DisplayName() string {
	if raw, ok := r.Sections[SectionIdentity]; ok {
		var id identityName
		if err := json.Unmarshal(raw, &id); err == nil {
			name := strings.TrimSpace(strings.TrimSpace(id.FirstName) + " " + strings.TrimSpace(id.LastName))
			if name != "" {
				return name
			}
			if id.Email != "" {
				return id.Email
			}
		}
	}
	return fmt.Sprintf("record #%d", r.ID)
}

// Email returns identity.email when present.
func (r *Record) Email() string {
	if raw, ok := r.Sections[SectionIdentity]; ok {
		var id identityName
		if err := json.Unmarshal(raw, &id); err == nil {
			return id.Email
		}
	}
	return ""
}

// Version is an immutable snapshot of a record after one write.
type Version struct {
	RecordID  int64     `json:"record_id"`
	Number    int       `json:"version"`
	Snapshot  Sections  `json:"snapshot"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// ChainReport is the result of re-deriving a record's version hashes.
type ChainReport struct {
	RecordID      int64 `json:"record_id"`
	Versions      int   `json:"versions"`
	Valid         bool  `json:"valid"`
	BrokenVersion int   `json:"broken_version,omitempty"`
}
