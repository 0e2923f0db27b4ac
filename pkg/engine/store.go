package engine

// store хранилище живых сессий в порядке создания.
// Не синхронизировано, доступ под блокировкой движка.
type store struct {
	max      int
	sessions map[string]*Session
	order    []*Session
}

func newStore(max int) *store {
	return &store{
		max:      max,
		sessions: make(map[string]*Session, max),
	}
}

func (st *store) full() bool {
	return len(st.order) >= st.max
}

func (st *store) add(s *Session) bool {
	if st.full() {
		return false
	}
	if _, exists := st.sessions[s.id]; exists {
		return false
	}
	st.sessions[s.id] = s
	st.order = append(st.order, s)
	return true
}

func (st *store) contains(s *Session) bool {
	found, ok := st.sessions[s.id]
	return ok && found == s
}

func (st *store) get(id string) (*Session, bool) {
	s, ok := st.sessions[id]
	return s, ok
}

func (st *store) remove(s *Session) bool {
	if !st.contains(s) {
		return false
	}
	delete(st.sessions, s.id)
	for i, cur := range st.order {
		if cur == s {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	return true
}

func (st *store) len() int {
	return len(st.order)
}

// list возвращает копию списка сессий
func (st *store) list() []*Session {
	out := make([]*Session, len(st.order))
	copy(out, st.order)
	return out
}
