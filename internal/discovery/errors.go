// Package discovery scans the catalog's listing pages for products and upserts them into the store.
package discovery

import "fmt"

// ParseError represents a listing or product page that could not be parsed
type ParseError struct {
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// StoreError represents a failure persisting discovered products
type StoreError struct {
	SKU   int64
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error for sku %d: %v", e.SKU, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}
