package lifecycle

import "context"

// Journal persists records so a restarted manager can pick up where it left
// off. The manager calls it while it holds the record's lock, so an
// implementation must not call back into the manager.
type Journal interface {
	Insert(ctx context.Context, obj StoredObject) error
	Update(ctx context.Context, obj StoredObject) error
	Delete(ctx context.Context, token string) error
	Load(ctx context.Context) ([]StoredObject, error)
}

// NopJournal keeps nothing; records live only in memory.
type NopJournal struct{}

func (NopJournal) Insert(context.Context, StoredObject) error { return nil }

func (NopJournal) Update(context.Context, StoredObject) error { return nil }

func (NopJournal) Delete(context.Context, string) error { return nil }

func (NopJournal) Load(context.Context) ([]StoredObject, error) { return nil, nil }
