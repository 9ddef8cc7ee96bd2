package lifecycle

// Observer receives lifecycle events, e.g. for metrics. Calls happen on the
// request path and must not block.
type Observer interface {
	ObjectRegistered(obj StoredObject)
	RetrievalGranted(obj StoredObject)
	RetrievalDenied(reason string)
	StateChanged(from, to State)
	BytesDestroyed(obj StoredObject, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) ObjectRegistered(StoredObject) {}

func (NopObserver) RetrievalGranted(StoredObject) {}

func (NopObserver) RetrievalDenied(string) {}

func (NopObserver) StateChanged(State, State) {}

func (NopObserver) BytesDestroyed(StoredObject, error) {}
