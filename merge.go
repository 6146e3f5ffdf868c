package convsync

import "sort"

// insertSorted places m into an ordered slice. Live events are usually newer
// than everything cached, so the tail is checked first.
func insertSorted(msgs []Message, m Message) []Message {
	n := len(msgs)
	if n == 0 || lessMessage(&msgs[n-1], &m) {
		return append(msgs, m)
	}
	i := sort.Search(n, func(i int) bool { return lessMessage(&m, &msgs[i]) })
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}

// messageSet tracks the IDs present in a view.
type messageSet map[string]struct{}

func newMessageSet(msgs []Message) messageSet {
	set := make(messageSet, len(msgs))
	for i := range msgs {
		set[msgs[i].ID] = struct{}{}
	}
	return set
}

func (s messageSet) has(id string) bool {
	_, ok := s[id]
	return ok
}

// unseen returns the messages of incoming whose IDs are not in known,
// collapsing duplicates inside incoming itself.
func unseen(known messageSet, incoming []Message) []Message {
	var out []Message
	var batch messageSet
	for _, m := range incoming {
		if m.ID == "" || known.has(m.ID) {
			continue
		}
		if batch == nil {
			batch = make(messageSet)
		}
		if batch.has(m.ID) {
			continue
		}
		batch[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// mergeView returns a new ordered slice holding view plus additions. The input
// slice is not modified, so previously published views stay intact.
func mergeView(view, additions []Message) []Message {
	merged := make([]Message, 0, len(view)+len(additions))
	merged = append(merged, view...)
	merged = append(merged, additions...)
	sortMessages(merged)
	return merged
}
