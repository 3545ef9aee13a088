package auth

// VerificationError reports a bearer token that was presented but could not
// be accepted: bad signature, expired, wrong issuer, or a client/tenant
// binding mismatch. It wraps the low-level cause when one exists.
type VerificationError struct {
	Message string
	Err     error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *VerificationError) Unwrap() error { return e.Err }

// AuthenticationError reports that no usable identity could be established
// for a request: no token was supplied and enrichment produced nothing, or
// enrichment explicitly rejected the request.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return e.Message }
