package conversation

import (
	"sort"
	"time"

	"github.com/verbyflow/verbyflow-core/internal/protocol"
)

// TranscriptItem is one entry of the conversation ledger.
type TranscriptItem struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	Translation    string    `json:"translation,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	IsSelf         bool      `json:"isSelf"`
	IsFinal        bool      `json:"isFinal"`
	SourceLanguage string    `json:"sourceLanguage,omitempty"`
	TargetLanguage string    `json:"targetLanguage,omitempty"`
}

// ledger folds transcript and translation messages into per-utterance items
// keyed by the backend-assigned id. Partial transcripts update in place;
// translations attach to an existing item or are dropped.
type ledger struct {
	items map[string]*TranscriptItem
	order []string
}

func (l *ledger) upsert(p protocol.TranscriptPayload, isSelf bool) TranscriptItem {
	if l.items == nil {
		l.items = make(map[string]*TranscriptItem)
	}
	item, ok := l.items[p.ID]
	if !ok {
		item = &TranscriptItem{ID: p.ID, IsSelf: isSelf}
		l.items[p.ID] = item
		l.order = append(l.order, p.ID)
	}
	item.Text = p.Text
	item.IsFinal = p.IsFinal
	if !p.Timestamp.IsZero() {
		item.Timestamp = p.Timestamp
	} else if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}
	if p.SourceLanguage != "" {
		item.SourceLanguage = p.SourceLanguage
	}
	return *item
}

func (l *ledger) attach(p protocol.TranslationPayload) (TranscriptItem, bool) {
	item, ok := l.items[p.ID]
	if !ok {
		return TranscriptItem{}, false
	}
	item.Translation = p.Text
	if p.TargetLanguage != "" {
		item.TargetLanguage = p.TargetLanguage
	}
	return *item, true
}

// snapshot returns the entries ordered by timestamp; entries with equal
// timestamps keep arrival order.
func (l *ledger) snapshot() []TranscriptItem {
	out := make([]TranscriptItem, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.items[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (l *ledger) reset() {
	l.items = nil
	l.order = nil
}
