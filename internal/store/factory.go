package store

import (
	"taskpulse.app/pipeline/core/db"
)

type Stores struct {
	q db.Querier
}

// NewStores binds stores to q, which may be the pool or a transaction.
func NewStores(q db.Querier) *Stores {
	return &Stores{q: q}
}

func (s *Stores) Tasks() TaskStore {
	return newTaskStore(s.q)
}
