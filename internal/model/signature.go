package model

// Signature is a byte payload tagged with the scheme that produced it.
// Signatures are always produced by the identity manager and are verifiable
// with the corresponding public key alone.
type Signature struct {
	Scheme string `json:"scheme,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

// IsZero reports whether the signature is absent.
func (s Signature) IsZero() bool {
	return s.Scheme == "" && len(s.Data) == 0
}
