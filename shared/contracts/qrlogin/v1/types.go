package v1

// Timestamps on the wire are RFC 3339 strings in UTC.

// IssueResponse is returned by the issue operation.
type IssueResponse struct {
	Success     bool   `json:"success"`
	SessionID   string `json:"sessionId"`
	Payload     string `json:"payload"`
	QRImage     string `json:"qrImage,omitempty"`
	ExpiresIn   int    `json:"expiresIn"`
	ExpiresAt   string `json:"expiresAt"`
	CurrentTime string `json:"currentTime"`
}

// Check statuses. A validated session is reported as "success".
const (
	CheckPending = "pending"
	CheckExpired = "expired"
	CheckSuccess = "success"
	CheckError   = "error"
)

// CheckResponse is returned by the check operation and pushed on the watch stream.
type CheckResponse struct {
	Status       string `json:"status"`
	CurrentTime  string `json:"currentTime,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	ClaimantName string `json:"claimantName,omitempty"`
	ClaimantID   string `json:"claimantId,omitempty"`
	ValidatedAt  string `json:"validatedAt,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClaimRequest is accepted as JSON or form fields. The legacy field names
// (id, credentialToken) are accepted as aliases.
type ClaimRequest struct {
	SessionID       string `json:"sessionId"`
	ID              string `json:"id"`
	MobileAuthToken string `json:"mobileAuthToken"`
	CredentialToken string `json:"credentialToken"`
}

// Session returns whichever session id field was supplied.
func (r ClaimRequest) Session() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return r.ID
}

// Token returns whichever credential field was supplied.
func (r ClaimRequest) Token() string {
	if r.MobileAuthToken != "" {
		return r.MobileAuthToken
	}
	return r.CredentialToken
}

// ClaimResponse is returned by the claim operation.
type ClaimResponse struct {
	Success      bool   `json:"success"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message"`
	ClaimantName string `json:"claimantName,omitempty"`
	ValidatedAt  string `json:"validatedAt,omitempty"`
}

// ErrorResponse is the generic failure body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}
