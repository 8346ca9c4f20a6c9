package access

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownUser is returned when a user id has no entry in the access table.
	ErrUnknownUser = errors.New("unknown user")

	// ErrUnknownDocument is returned by Validate when a grant names a document
	// that is not part of the indexed corpus.
	ErrUnknownDocument = errors.New("unknown document")
)

// DocumentSet is a set of document identifiers.
type DocumentSet map[string]struct{}

// NewDocumentSet builds a set from the given ids.
func NewDocumentSet(ids ...string) DocumentSet {
	s := make(DocumentSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is in the set.
func (s DocumentSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in lexical order.
func (s DocumentSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s DocumentSet) clone() DocumentSet {
	c := make(DocumentSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

// Table maps user ids to the documents they may query. It is built once and
// never mutated; edits require a restart.
type Table struct {
	grants map[string]DocumentSet
}

// file mirrors the on-disk YAML layout:
//
//	users:
//	  alice@email.com: [company_a_earnings.pdf]
type file struct {
	Users map[string][]string `yaml:"users"`
}

// Load reads and parses the access table at path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading access table: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return t, nil
}

// Parse decodes a YAML access table.
func Parse(data []byte) (*Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return New(f.Users)
}

// New builds a Table from a user → documents mapping. User ids are
// normalized; two entries that normalize to the same id are rejected, as is a
// document listed twice for the same user.
func New(users map[string][]string) (*Table, error) {
	grants := make(map[string]DocumentSet, len(users))
	for raw, docs := range users {
		user := NormalizeUser(raw)
		if user == "" {
			return nil, fmt.Errorf("empty user id")
		}
		if _, dup := grants[user]; dup {
			return nil, fmt.Errorf("duplicate user %q", user)
		}
		set := make(DocumentSet, len(docs))
		for _, doc := range docs {
			doc = strings.TrimSpace(doc)
			if doc == "" {
				return nil, fmt.Errorf("user %q: empty document id", user)
			}
			if set.Contains(doc) {
				return nil, fmt.Errorf("user %q: duplicate document %q", user, doc)
			}
			set[doc] = struct{}{}
		}
		grants[user] = set
	}
	return &Table{grants: grants}, nil
}

// NormalizeUser trims and lower-cases a user id.
func NormalizeUser(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Resolve returns the documents userID may query. An explicitly empty grant
// yields an empty set; a missing user yields ErrUnknownUser.
func (t *Table) Resolve(userID string) (DocumentSet, error) {
	set, ok := t.grants[NormalizeUser(userID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return set.clone(), nil
}

// CanAccess reports whether userID may query documentID.
func (t *Table) CanAccess(userID, documentID string) bool {
	set, ok := t.grants[NormalizeUser(userID)]
	return ok && set.Contains(documentID)
}

// Users returns all configured user ids, sorted.
func (t *Table) Users() []string {
	out := make([]string, 0, len(t.grants))
	for u := range t.grants {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every granted document is one of known.
func (t *Table) Validate(known []string) error {
	corpus := NewDocumentSet(known...)
	var missing []string
	for _, user := range t.Users() {
		for _, doc := range t.grants[user].Sorted() {
			if !corpus.Contains(doc) {
				missing = append(missing, user+" → "+doc)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, strings.Join(missing, ", "))
	}
	return nil
}
