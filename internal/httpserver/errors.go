package httpserver

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrBadForm          = "bad form"
	ErrBodyTooLarge     = "request body too large"
	ErrInvalidSignature = "invalid signature"
	ErrDependency       = "dependency error"
)
