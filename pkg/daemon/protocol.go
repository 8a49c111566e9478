package daemon

// The wire protocol is JSON over a unix-domain socket. Binary fields ride as
// base64, which encoding/json does for []byte on its own.

// SignRequest asks the daemon to sign the DER encoding of a prepared
// signed-attribute set with the key behind nickname/token.
type SignRequest struct {
	Nickname   string `json:"nickname"`
	Token      string `json:"token,omitempty"`
	Algorithm  string `json:"algorithm"`
	Attributes []byte `json:"attributes"`
}

// SignResponse carries the raw signature value plus the certificate chain
// the caller needs to wrap the final signed-data blob itself. The private
// key never leaves the daemon.
type SignResponse struct {
	Signature   []byte   `json:"signature"`
	Certificate []byte   `json:"certificate"`
	Chain       [][]byte `json:"chain,omitempty"`
}

// FindCertificateRequest resolves a nickname without signing anything.
type FindCertificateRequest struct {
	Nickname string `json:"nickname"`
	Token    string `json:"token,omitempty"`
}

// FindCertificateResponse carries the resolved certificate chain.
type FindCertificateResponse struct {
	Certificate []byte   `json:"certificate"`
	Chain       [][]byte `json:"chain,omitempty"`
	HasKey      bool     `json:"hasKey"`
}

// errorResponse is the envelope for any failed request.
type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
