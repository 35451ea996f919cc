package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type docID struct {
	c   Collection
	key string
}

func idOf(c Collection, key string) docID { return docID{c: c, key: key} }

// change is the final state of one document touched by a batch.
type change struct {
	id      docID
	doc     Document
	deleted bool
	// existed is true when the document was present before the batch.
	existed     bool
	prevVersion int64
	// createdBy is the index of the create op that produced the document,
	// or -1.
	createdBy int
}

// plan works out what a batch does to the documents in current, which must
// hold every existing document the ops refer to. Later ops see the effects
// of earlier ones. Nothing is applied; callers commit the returned changes
// in their own transaction.
func plan(ops []Op, current map[docID]Document, now time.Time) ([]change, error) {
	state := make(map[docID]Document, len(current))
	for id, doc := range current {
		state[id] = doc
	}

	var order []docID
	changes := make(map[docID]*change)

	for i, op := range ops {
		if op.Collection == "" || op.Key == "" {
			return nil, &BatchError{Index: i, Op: op, Err: fmt.Errorf("collection and key are required")}
		}
		id := idOf(op.Collection, op.Key)
		cur, exists := state[id]

		if op.MatchVersion > 0 && (!exists || cur.Version != op.MatchVersion) {
			return nil, &BatchError{Index: i, Op: op, Err: ErrVersionConflict}
		}

		ch, seen := changes[id]
		if !seen {
			orig, had := current[id]
			ch = &change{id: id, existed: had, prevVersion: orig.Version, createdBy: -1}
			changes[id] = ch
			order = append(order, id)
		}

		switch op.Kind {
		case OpDelete:
			if exists {
				delete(state, id)
			}
			ch.deleted = true
			continue
		case OpCreate:
			if exists {
				return nil, &BatchError{Index: i, Op: op, Err: ErrExists}
			}
			ch.createdBy = i
		}

		data, err := normalize(op.Data)
		if err != nil {
			return nil, &BatchError{Index: i, Op: op, Err: err}
		}
		if op.Kind == OpMerge && exists {
			if data, err = mergeObjects(cur.Data, data); err != nil {
				return nil, &BatchError{Index: i, Op: op, Err: err}
			}
		}

		next := Document{
			Collection: op.Collection,
			Key:        op.Key,
			Data:       data,
			Version:    cur.Version + 1,
			UpdatedAt:  now,
		}
		if !exists {
			next.Version = 1
			if ch.existed {
				// Deleted and recreated within the batch.
				next.Version = ch.prevVersion + 1
			}
		}
		state[id] = next
		ch.deleted = false
	}

	out := make([]change, 0, len(order))
	for _, id := range order {
		ch := changes[id]
		if doc, ok := state[id]; ok {
			ch.doc = doc
			ch.deleted = false
		} else {
			ch.deleted = true
		}
		// A delete of a document that never existed changes nothing.
		if ch.deleted && !ch.existed {
			continue
		}
		out = append(out, *ch)
	}
	return out, nil
}

// normalize checks data is a JSON object and compacts it so stored bytes
// compare equal whenever the values do.
func normalize(data json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("document data must be a JSON object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mergeObjects(base, overlay json.RawMessage) (json.RawMessage, error) {
	var dst, src map[string]json.RawMessage
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, fmt.Errorf("merge: decode current document: %w", err)
	}
	if err := json.Unmarshal(overlay, &src); err != nil {
		return nil, fmt.Errorf("merge: decode overlay: %w", err)
	}
	if dst == nil {
		dst = make(map[string]json.RawMessage, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return json.Marshal(dst)
}

// matches reports whether every filter holds for doc. Values compare by
// their JSON encoding, so 1 matches a stored 1 and "1" only a stored "1".
func matches(doc Document, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc.Data, &fields); err != nil {
		return false
	}
	for _, f := range filters {
		raw, ok := fields[f.Field]
		if !ok {
			return false
		}
		want, err := json.Marshal(f.Value)
		if err != nil {
			return false
		}
		var got bytes.Buffer
		if err := json.Compact(&got, raw); err != nil {
			return false
		}
		if !bytes.Equal(got.Bytes(), want) {
			return false
		}
	}
	return true
}

// selectDocuments filters, orders and limits docs in place of a backend
// that cannot do it natively.
func selectDocuments(docs []Document, q Query) []Document {
	out := docs[:0]
	for _, d := range docs {
		if matches(d, q.Filters) {
			out = append(out, d)
		}
	}
	sortDocuments(out, q.OrderBy, q.Descending)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// sortDocuments orders by a top-level field, numerically when both values
// are numbers. Ties and documents without the field fall back to key order
// so results are deterministic.
func sortDocuments(docs []Document, orderBy string, desc bool) {
	if orderBy == "" {
		sort.SliceStable(docs, func(i, j int) bool { return docs[i].Key < docs[j].Key })
		return
	}
	values := make(map[string]json.RawMessage, len(docs))
	for _, d := range docs {
		var fields map[string]json.RawMessage
		if json.Unmarshal(d.Data, &fields) == nil {
			values[d.Key] = fields[orderBy]
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		c := compareRaw(values[docs[i].Key], values[docs[j].Key])
		if c == 0 {
			return docs[i].Key < docs[j].Key
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func compareRaw(a, b json.RawMessage) int {
	af, aerr := strconv.ParseFloat(string(a), 64)
	bf, berr := strconv.ParseFloat(string(b), 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(unquote(a), unquote(b))
}

func unquote(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// fingerprint identifies a set of document versions. Two snapshots with
// the same fingerprint are indistinguishable to observers.
func fingerprint(docs []Document) string {
	var b strings.Builder
	for _, d := range docs {
		b.WriteString(string(d.Collection))
		b.WriteByte('/')
		b.WriteString(d.Key)
		b.WriteByte('@')
		b.WriteString(strconv.FormatInt(d.Version, 10))
		b.WriteByte(';')
	}
	return b.String()
}

func touchedIDs(ops []Op) []docID {
	seen := make(map[docID]bool, len(ops))
	ids := make([]docID, 0, len(ops))
	for _, op := range ops {
		id := idOf(op.Collection, op.Key)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func cloneDocument(d Document) Document {
	d.Data = append(json.RawMessage(nil), d.Data...)
	return d
}
