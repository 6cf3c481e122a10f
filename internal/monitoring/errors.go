// Package monitoring polls the status API for known products and appends the observations to the store.
package monitoring

import "fmt"

// NoDataError is returned when neither a price nor a stock level could be obtained for a SKU.
type NoDataError struct {
	SKU int64
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("could not fetch product data for sku %d", e.SKU)
}

// DecodeError represents a status or search body that passed validation but could not be decoded
type DecodeError struct {
	Message string
	Cause   error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("decode error: %s", e.Message)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}
