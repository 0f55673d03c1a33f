package transport

// StatusResponse is the gateway connection state
type StatusResponse struct {
	State   string `json:"state"`
	Account string `json:"account,omitempty"`
}

// SendTextRequest is the gateway text send request
type SendTextRequest struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

// SendTextResponse is the gateway text send response
type SendTextResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// ErrorResponse is the gateway error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
