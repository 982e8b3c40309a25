package sync

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

// Payload снимок полей сущности; у каждого типа сущности своя фиксированная схема
type Payload interface {
	EntityType() EntityType
	Validate() error
}

// ProductPayload товар
type ProductPayload struct {
	Name       string `json:"name"`
	SKU        string `json:"sku,omitempty"`
	PriceCents int64  `json:"price_cents"`
	Active     bool   `json:"active"`
}

func (p *ProductPayload) EntityType() EntityType { return EntityProduct }

func (p *ProductPayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return newValidationError(CodeInvalidPayload, "product name is required")
	}
	if p.PriceCents < 0 {
		return newValidationError(CodeInvalidPayload, "product price must not be negative")
	}
	return nil
}

// SaleItem позиция чека
type SaleItem struct {
	ProductID      string `json:"product_id"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// SalePayload продажа
type SalePayload struct {
	ReceiptNo  string     `json:"receipt_no"`
	Items      []SaleItem `json:"items"`
	TotalCents int64      `json:"total_cents"`
	SoldAt     *time.Time `json:"sold_at,omitempty"`
}

func (p *SalePayload) EntityType() EntityType { return EntitySale }

func (p *SalePayload) Validate() error {
	if strings.TrimSpace(p.ReceiptNo) == "" {
		return newValidationError(CodeInvalidPayload, "sale receipt_no is required")
	}
	if len(p.Items) == 0 {
		return newValidationError(CodeInvalidPayload, "sale must contain at least one item")
	}
	for i, item := range p.Items {
		if item.ProductID == "" {
			return newValidationError(CodeInvalidPayload, "sale item %d: product_id is required", i)
		}
		if item.Quantity <= 0 {
			return newValidationError(CodeInvalidPayload, "sale item %d: quantity must be positive", i)
		}
		if item.UnitPriceCents < 0 {
			return newValidationError(CodeInvalidPayload, "sale item %d: unit price must not be negative", i)
		}
	}
	if p.TotalCents < 0 {
		return newValidationError(CodeInvalidPayload, "sale total must not be negative")
	}
	return nil
}

// StockMovementPayload движение остатка
type StockMovementPayload struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	Reason    string `json:"reason,omitempty"`
}

func (p *StockMovementPayload) EntityType() EntityType { return EntityStockMovement }

func (p *StockMovementPayload) Validate() error {
	if p.ProductID == "" {
		return newValidationError(CodeInvalidPayload, "stock movement product_id is required")
	}
	if p.Quantity == 0 {
		return newValidationError(CodeInvalidPayload, "stock movement quantity must not be zero")
	}
	return nil
}

// DecodePayload строго разбирает payload по схеме типа сущности и валидирует его
func DecodePayload(entityType EntityType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch entityType {
	case EntityProduct:
		p = &ProductPayload{}
	case EntitySale:
		p = &SalePayload{}
	case EntityStockMovement:
		p = &StockMovementPayload{}
	default:
		return nil, newValidationError(CodeInvalidEntityType, "unknown entity type %q", entityType)
	}

	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, newValidationError(CodeInvalidPayload, "payload is required")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, newValidationError(CodeInvalidPayload, "decode %s payload: %v", entityType, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, newValidationError(CodeInvalidPayload, "trailing data after %s payload", entityType)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ValidateOperation проверяет операцию на границе протокола, до детектора конфликтов
func ValidateOperation(op Operation) (Payload, error) {
	if op.LocalID == "" {
		return nil, newValidationError(CodeMissingLocalID, "local_id is required")
	}
	if !op.EntityType.Valid() {
		return nil, newValidationError(CodeInvalidEntityType, "unknown entity type %q", op.EntityType)
	}
	if !op.Kind.Valid() {
		return nil, newValidationError(CodeInvalidKind, "unknown operation kind %q", op.Kind)
	}

	switch op.Kind {
	case OpCreate:
		return DecodePayload(op.EntityType, op.Payload)
	case OpUpdate:
		if op.EntityID == "" {
			return nil, newValidationError(CodeMissingEntityID, "entity_id is required for UPDATE")
		}
		if op.BaseUpdatedAt == nil {
			return nil, newValidationError(CodeMissingBase, "base_updated_at is required for UPDATE")
		}
		return DecodePayload(op.EntityType, op.Payload)
	default:
		if op.EntityID == "" {
			return nil, newValidationError(CodeMissingEntityID, "entity_id is required for DELETE")
		}
		if op.BaseUpdatedAt == nil {
			return nil, newValidationError(CodeMissingBase, "base_updated_at is required for DELETE")
		}
		return nil, nil
	}
}
