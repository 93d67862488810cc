package model

// RealTimeOptions are the delivery options attached to a subscribe request.
type RealTimeOptions struct {
	SkipInitial bool `json:"skipInitial"`
}

// RealTimeRequest is an outgoing control message starting or stopping a live query.
type RealTimeRequest struct {
	Token   string          `json:"token,omitempty"`
	DBType  string          `json:"dbType"`
	Project string          `json:"project"`
	Group   string          `json:"group"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Where   map[string]any  `json:"where"`
	Options RealTimeOptions `json:"options"`
}

// RealTimeResponse is an inbound message for a single live query.
// When Ack is false, Error carries the backend's reason and FeedData is empty.
type RealTimeResponse struct {
	ID       string     `json:"id"`
	Ack      bool       `json:"ack"`
	Error    string     `json:"error,omitempty"`
	FeedData []FeedData `json:"feedData,omitempty"`
}
