package memory

import (
	"time"

	"github.com/google/uuid"
)

// Metadata carries the optional flags and upsert key of a memory.
type Metadata struct {
	// ExplicitSave is set when the user asked for this to be remembered.
	ExplicitSave bool `json:"explicit_save,omitempty"`
	Important    bool `json:"important,omitempty"`
	Emotional    bool `json:"emotional,omitempty"`

	// Key, when set, makes the memory replace any live memory with the
	// same (user, category, key). Without a key memories only append.
	Key string `json:"key,omitempty"`
}

// Record is one stored fact about a user.
//
// Records are immutable once indexed. A correction is a new Record; when it
// carries a Key it supersedes the previous holder of that key. The last
// time a record was returned by Retrieve is tracked by the user's
// DiversityTracker, not on the record.
type Record struct {
	ID        string
	UserID    string
	Category  Category
	Text      string
	Embedding []float32
	Metadata  Metadata
	CreatedAt time.Time
}

func newRecord(userID string, category Category, text string, embedding []float32, meta Metadata, createdAt time.Time) *Record {
	return &Record{
		ID:        uuid.New().String(),
		UserID:    userID,
		Category:  category,
		Text:      text,
		Embedding: embedding,
		Metadata:  meta,
		CreatedAt: createdAt,
	}
}

// recordFromStorage rebuilds a record hydrated from a Source, keeping the
// store's ID so repeated loads are idempotent.
func recordFromStorage(userID string, m StoredMemory, embedding []float32, now time.Time) *Record {
	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	return &Record{
		ID:        id,
		UserID:    userID,
		Category:  ParseCategory(m.Category),
		Text:      m.Text,
		Embedding: embedding,
		Metadata:  m.Metadata,
		CreatedAt: createdAt,
	}
}

// Age returns how old the record is at now. Clock skew yields zero.
func (r *Record) Age(now time.Time) time.Duration {
	age := now.Sub(r.CreatedAt)
	if age < 0 {
		return 0
	}
	return age
}

type recordKey struct {
	category Category
	key      string
}
