package spaceapi

// BackendError is a subscription rejected by the server. Message is the
// reason the server gave, unchanged.
type BackendError struct {
	SubscriptionID string
	Message        string
}

func (e *BackendError) Error() string {
	return e.Message
}
