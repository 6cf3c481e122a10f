package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// MaxPage bounds listing page numbers accepted for discovery.
const MaxPage = 100000

// DiscoveryRequest represents the parameters of a discovery run.
type DiscoveryRequest struct {
	StartPage         int   `json:"start_page" validate:"required,gte=1,lte=100000"`
	EndPage           int   `json:"end_page" validate:"required,gtefield=StartPage,lte=100000"`
	Workers           int   `json:"workers,omitempty" validate:"gte=0,lte=64"`
	FetchDescriptions *bool `json:"fetch_descriptions,omitempty"`
	AutoSync          *bool `json:"auto_sync,omitempty"`
}

// MonitoringRequest represents the parameters of a monitoring run.
type MonitoringRequest struct {
	Limit    int      `json:"limit,omitempty" validate:"gte=0"`
	Offset   int      `json:"offset,omitempty" validate:"gte=0"`
	Keywords []string `json:"keywords,omitempty" validate:"dive,required"`
	SKUs     []int64  `json:"skus,omitempty" validate:"dive,gt=0"`
	Workers  int      `json:"workers,omitempty" validate:"gte=0,lte=64"`
}

// Validate validates the DiscoveryRequest using the validator.
func (r *DiscoveryRequest) Validate() error {
	return validate.Struct(r)
}

// Validate validates the MonitoringRequest using the validator.
func (r *MonitoringRequest) Validate() error {
	return validate.Struct(r)
}

// Pages returns the number of pages covered by the request.
func (r *DiscoveryRequest) Pages() int {
	if r.EndPage < r.StartPage {
		return 0
	}
	return r.EndPage - r.StartPage + 1
}

// Filter converts the request to a store filter.
func (r *MonitoringRequest) Filter() ProductFilter {
	return ProductFilter{
		Keywords: r.Keywords,
		SKUs:     r.SKUs,
		Limit:    r.Limit,
		Offset:   r.Offset,
	}
}

// ValidationMessage flattens validator errors into a single readable line.
func ValidationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag())
	}
	return msg
}
