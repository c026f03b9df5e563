package api

// Error is the wire shape for HTTP-level rejections.
type Error struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
