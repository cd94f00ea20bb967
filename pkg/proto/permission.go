package proto

// PermissionRequest is a single gated tool attempt forwarded to the
// Navigator. It is created inside the broker and lives until a matching
// PermissionResult arrives or the request times out.
type PermissionRequest struct {
	RequestID        string         `json:"request_id"`
	DriverTranscript string         `json:"driver_transcript"`
	ToolName         string         `json:"tool_name"`
	Input            map[string]any `json:"input,omitempty"`
	ToolID           string         `json:"tool_id,omitempty"`
}

// PermissionResult is the resolution of a PermissionRequest. It is consumed
// exactly once by the caller that created the request.
type PermissionResult struct {
	Allowed      bool           `json:"allowed"`
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// AllowResult builds an approval carrying the (possibly updated) input.
func AllowResult(input map[string]any, comment string) *PermissionResult {
	return &PermissionResult{Allowed: true, UpdatedInput: input, Comment: comment}
}

// DenyResult builds a denial with the given reason.
func DenyResult(reason string) *PermissionResult {
	return &PermissionResult{Allowed: false, Reason: reason}
}
