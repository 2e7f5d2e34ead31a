package api

type errorResponse struct {
	Error string `json:"error"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
}

type sessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	DID           string `json:"did,omitempty"`
	Handle        string `json:"handle,omitempty"`
	Verified      bool   `json:"verified,omitempty"`
	TwoFactor     bool   `json:"twoFactorRequired,omitempty"`
}

type twoFactorStatusResponse struct {
	Enabled       bool              `json:"enabled"`
	DefaultMethod string            `json:"defaultMethod,omitempty"`
	Methods       []twoFactorMethod `json:"methods,omitempty"`
}

type twoFactorMethod struct {
	Type      string `json:"type"`
	Address   string `json:"address,omitempty"`
	EnabledAt string `json:"enabledAt"`
}

type totpSetupResponse struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

type verifyRequest struct {
	Method string `json:"method"`
	Code   string `json:"code"`
}

type emailSetupRequest struct {
	Address string `json:"address"`
}

type methodRequest struct {
	Method string `json:"method"`
}

type transactionRequest struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Note      string `json:"note,omitempty"`
}
