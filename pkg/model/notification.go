package model

import "encoding/json"

// FeedData is one change-feed entry. Payload holds the document as JSON and
// is empty for deletes.
type FeedData struct {
	DocID     string          `json:"docId"`
	Type      string          `json:"type"`
	TimeStamp int64           `json:"timeStamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Group     string          `json:"group,omitempty"`
	DBType    string          `json:"dbType,omitempty"`
	QueryID   string          `json:"queryId,omitempty"`
}
