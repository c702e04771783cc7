package schema

// SyncRequest is the body sent to the coordination server.
type SyncRequest struct {
	Cursor  Cursor        `json:"cursor"`
	Changes []ChangeEvent `json:"changes"`
}

// SyncResponse is the server's answer to a SyncRequest.
type SyncResponse struct {
	Cursor  Cursor        `json:"cursor"`
	Changes []ChangeEvent `json:"changes"`
}
