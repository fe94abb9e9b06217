package signal

// seenSet is a bounded insertion-ordered set of dedup keys for messages
// already delivered to the consumer. On overflow it compacts to the most
// recent half, so a key can in principle be forgotten and redelivered —
// acceptable because consumers are idempotent anyway.
type seenSet struct {
	keys  map[string]struct{}
	order []string
	cap   int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		keys: make(map[string]struct{}, capacity),
		cap:  capacity,
	}
}

// Add records key and reports whether it was newly added.
// Returns false for keys already present (duplicate delivery).
func (s *seenSet) Add(key string) bool {
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)

	if len(s.order) > s.cap {
		// Keep the newest half
		keep := s.order[len(s.order)-s.cap/2:]
		s.keys = make(map[string]struct{}, s.cap)
		for _, k := range keep {
			s.keys[k] = struct{}{}
		}
		s.order = append(s.order[:0], keep...)
	}
	return true
}

// Len returns the number of tracked keys.
func (s *seenSet) Len() int {
	return len(s.keys)
}
