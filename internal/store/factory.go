package store

import "jobpilot.app/courier/core/db"

// Stores provides typed accessors bound to a pool or transaction.
type Stores struct {
	q db.Querier
}

func NewStores(q db.Querier) *Stores {
	return &Stores{q: q}
}

func (s *Stores) WorkItems() WorkItemStore {
	return newWorkItemStore(s.q)
}

func (s *Stores) Workflows() WorkflowStore {
	return newWorkflowStore(s.q)
}
