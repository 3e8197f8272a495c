// Package dto provides shared API infrastructure (errors, validation interface)
// and the request/response types of the API. The dto/v1 sub-package holds the
// route registry used by the schema endpoint.
package dto

// Validatable is implemented by request types that can validate their fields.
type Validatable interface {
	Validate() error
}

// EmptyReq is used for endpoints that take no request body.
type EmptyReq struct{}

// Validate is a no-op for empty requests.
func (EmptyReq) Validate() error { return nil }
