package entitycache

import "container/list"

// recency tracks scope ids from most to least recently accessed.
type recency struct {
	lru   *list.List
	index map[string]*list.Element
}

func newRecency() recency {
	return recency{
		lru:   list.New(),
		index: make(map[string]*list.Element),
	}
}

// touch moves scopeID to the front, inserting it when unknown.
func (r *recency) touch(scopeID string) {
	if element, exists := r.index[scopeID]; exists {
		r.lru.MoveToFront(element)
		return
	}
	r.index[scopeID] = r.lru.PushFront(scopeID)
}

func (r *recency) remove(scopeID string) {
	element, exists := r.index[scopeID]
	if !exists {
		return
	}
	r.lru.Remove(element)
	delete(r.index, scopeID)
}

// popOldest removes and returns the least recently accessed scope.
func (r *recency) popOldest() (string, bool) {
	back := r.lru.Back()
	if back == nil {
		return "", false
	}
	scopeID, _ := back.Value.(string)
	r.remove(scopeID)

	return scopeID, true
}

func (r *recency) len() int {
	return r.lru.Len()
}

// ordered returns scope ids most recent first.
func (r *recency) ordered() []string {
	ids := make([]string, 0, r.lru.Len())
	for element := r.lru.Front(); element != nil; element = element.Next() {
		if scopeID, ok := element.Value.(string); ok {
			ids = append(ids, scopeID)
		}
	}

	return ids
}

func (r *recency) reset() {
	r.lru.Init()
	r.index = make(map[string]*list.Element)
}
