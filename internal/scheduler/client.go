package scheduler

// client is the per-view bookkeeping. It holds no policy.
type client struct {
	id       ClientID
	hasBody  bool
	pending  RequestQueue
	inFlight map[*Request]struct{}
}

func newClient(id ClientID) *client {
	return &client{
		id:       id,
		inFlight: make(map[*Request]struct{}),
	}
}
