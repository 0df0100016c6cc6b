package procurement

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type createOrderRequest struct {
	OrderType             string        `json:"order_type" validate:"omitempty,oneof=supplier transfer"`
	SupplierID            string        `json:"supplier_id" validate:"omitempty,max=128"`
	DestinationLocationID string        `json:"destination_location_id" validate:"omitempty,max=128"`
	SourceLocationID      string        `json:"source_location_id" validate:"omitempty,max=128"`
	ExpectedDeliveryDate  string        `json:"expected_delivery_date" validate:"omitempty,datetime=2006-01-02"`
	CurrencyCode          string        `json:"currency_code" validate:"omitempty,len=3,alpha"`
	Notes                 string        `json:"notes" validate:"max=2000"`
	CreatedBy             string        `json:"created_by" validate:"max=128"`
	Lines                 []lineRequest `json:"lines" validate:"dive"`
}

type lineRequest struct {
	ProductID        string          `json:"product_id" validate:"required,max=128"`
	ProductVariantID string          `json:"product_variant_id" validate:"max=128"`
	ProductTitle     string          `json:"product_title" validate:"max=512"`
	ProductThumbnail string          `json:"product_thumbnail" validate:"max=2048"`
	SupplierSKU      string          `json:"supplier_sku" validate:"max=128"`
	QuantityOrdered  int             `json:"quantity_ordered" validate:"required,gt=0"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	TaxRate          decimal.Decimal `json:"tax_rate"`
	DiscountRate     decimal.Decimal `json:"discount_rate"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

type receiveRequest struct {
	QuantityReceived *int   `json:"quantity_received"`
	ReceptionNotes   string `json:"reception_notes" validate:"max=2000"`
	ReceivedBy       string `json:"received_by" validate:"max=128"`
}

type incidentRequest struct {
	HasIncident   *bool  `json:"hasIncident" validate:"required"`
	IncidentNotes string `json:"incidentNotes" validate:"max=2000"`
	UserID        string `json:"userId" validate:"max=128"`
}

func (r createOrderRequest) toInput() (CreateOrderInput, error) {
	input := CreateOrderInput{
		OrderType:             OrderType(r.OrderType),
		SupplierID:            r.SupplierID,
		DestinationLocationID: r.DestinationLocationID,
		SourceLocationID:      r.SourceLocationID,
		CurrencyCode:          r.CurrencyCode,
		Notes:                 r.Notes,
		CreatedBy:             r.CreatedBy,
	}
	if r.ExpectedDeliveryDate != "" {
		date, err := time.Parse("2006-01-02", r.ExpectedDeliveryDate)
		if err != nil {
			return CreateOrderInput{}, fmt.Errorf("%w: expected_delivery_date: %v", ErrValidation, err)
		}
		input.ExpectedDeliveryDate = &date
	}
	for _, line := range r.Lines {
		input.Lines = append(input.Lines, line.toInput())
	}
	return input, nil
}

func (r lineRequest) toInput() LineInput {
	return LineInput{
		ProductID:        r.ProductID,
		ProductVariantID: r.ProductVariantID,
		ProductTitle:     r.ProductTitle,
		ProductThumbnail: r.ProductThumbnail,
		SupplierSKU:      r.SupplierSKU,
		QuantityOrdered:  r.QuantityOrdered,
		UnitPrice:        r.UnitPrice,
		TaxRate:          r.TaxRate,
		DiscountRate:     r.DiscountRate,
	}
}

// validationError flattens validator output into a single ErrValidation.
func validationError(err error) error {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fieldErr.Namespace(), fieldErr.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, "; "))
}
