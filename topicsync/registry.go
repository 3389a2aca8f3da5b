package topicsync

import "sync"

// StaticTopicLogMap is a mutable, mutex-guarded TopicLogMap: each topic
// (in practice a space id) is registered with the set of (author,
// log_ids) a space's members write to. It is the reference
// implementation injected by cmd/ until a real group-discovery
// mechanism exists.
type StaticTopicLogMap struct {
	mu    sync.Mutex
	scope map[Topic]scopeEntry
}

type scopeEntry struct {
	authors  []string
	byAuthor map[string][]uint64
}

// NewStaticTopicLogMap returns an empty registry.
func NewStaticTopicLogMap() *StaticTopicLogMap {
	return &StaticTopicLogMap{scope: make(map[Topic]scopeEntry)}
}

// Register declares that topic's logs are author's log_ids, replacing
// any prior registration for the same (topic, author) pair.
func (r *StaticTopicLogMap) Register(topic Topic, author string, logIDs []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.scope[topic]
	if !ok {
		entry = scopeEntry{byAuthor: make(map[string][]uint64)}
	}
	if _, seen := entry.byAuthor[author]; !seen {
		entry.authors = append(entry.authors, author)
	}
	entry.byAuthor[author] = logIDs
	r.scope[topic] = entry
}

// LogsFor implements TopicLogMap.
func (r *StaticTopicLogMap) LogsFor(topic Topic) ([]string, map[string][]uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.scope[topic]
	if !ok {
		return nil, nil
	}
	authors := append([]string(nil), entry.authors...)
	byAuthor := make(map[string][]uint64, len(entry.byAuthor))
	for k, v := range entry.byAuthor {
		byAuthor[k] = append([]uint64(nil), v...)
	}
	return authors, byAuthor
}

// Topics returns every topic currently registered, the set the network
// manager's scheduler treats as "topics of interest".
func (r *StaticTopicLogMap) Topics() []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Topic, 0, len(r.scope))
	for t := range r.scope {
		out = append(out, t)
	}
	return out
}
