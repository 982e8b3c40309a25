package sync

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name       string
		entityType EntityType
		raw        string
		wantCode   string
	}{
		{name: "product", entityType: EntityProduct, raw: `{"name":"Milk","price_cents":120,"active":true}`},
		{name: "product without name", entityType: EntityProduct, raw: `{"price_cents":120}`, wantCode: CodeInvalidPayload},
		{name: "product negative price", entityType: EntityProduct, raw: `{"name":"Milk","price_cents":-1}`, wantCode: CodeInvalidPayload},
		{name: "unknown field", entityType: EntityProduct, raw: `{"name":"Milk","colour":"white"}`, wantCode: CodeInvalidPayload},
		{name: "trailing data", entityType: EntityProduct, raw: `{"name":"Milk"}{}`, wantCode: CodeInvalidPayload},
		{name: "null payload", entityType: EntityProduct, raw: `null`, wantCode: CodeInvalidPayload},
		{name: "empty payload", entityType: EntityProduct, raw: ``, wantCode: CodeInvalidPayload},
		{
			name:       "sale",
			entityType: EntitySale,
			raw:        `{"receipt_no":"R-1","items":[{"product_id":"p1","quantity":2,"unit_price_cents":100}],"total_cents":200}`,
		},
		{name: "sale without items", entityType: EntitySale, raw: `{"receipt_no":"R-1","items":[]}`, wantCode: CodeInvalidPayload},
		{
			name:       "sale item with zero quantity",
			entityType: EntitySale,
			raw:        `{"receipt_no":"R-1","items":[{"product_id":"p1","quantity":0}]}`,
			wantCode:   CodeInvalidPayload,
		},
		{name: "stock movement", entityType: EntityStockMovement, raw: `{"product_id":"p1","quantity":-3,"reason":"writeoff"}`},
		{name: "stock movement zero", entityType: EntityStockMovement, raw: `{"product_id":"p1","quantity":0}`, wantCode: CodeInvalidPayload},
		{name: "unknown entity type", entityType: "CUSTOMER", raw: `{}`, wantCode: CodeInvalidEntityType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePayload(tt.entityType, json.RawMessage(tt.raw))
			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.entityType, p.EntityType())
				return
			}

			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr), "expected validation error, got %v", err)
			assert.Equal(t, tt.wantCode, vErr.Code)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestValidateOperation(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	product := json.RawMessage(`{"name":"Milk"}`)

	tests := []struct {
		name     string
		op       Operation
		wantCode string
		wantNil  bool
	}{
		{
			name: "create",
			op:   Operation{LocalID: "l1", EntityType: EntityProduct, Kind: OpCreate, Payload: product},
		},
		{
			name:     "missing local id",
			op:       Operation{EntityType: EntityProduct, Kind: OpCreate, Payload: product},
			wantCode: CodeMissingLocalID,
		},
		{
			name:     "invalid kind",
			op:       Operation{LocalID: "l1", EntityType: EntityProduct, Kind: "MERGE", Payload: product},
			wantCode: CodeInvalidKind,
		},
		{
			name:     "invalid entity type",
			op:       Operation{LocalID: "l1", EntityType: "CUSTOMER", Kind: OpCreate, Payload: product},
			wantCode: CodeInvalidEntityType,
		},
		{
			name:     "update without entity id",
			op:       Operation{LocalID: "l1", EntityType: EntityProduct, Kind: OpUpdate, Payload: product, BaseUpdatedAt: &base},
			wantCode: CodeMissingEntityID,
		},
		{
			name:     "update without base",
			op:       Operation{LocalID: "l1", EntityType: EntityProduct, EntityID: "e1", Kind: OpUpdate, Payload: product},
			wantCode: CodeMissingBase,
		},
		{
			name:     "update without payload",
			op:       Operation{LocalID: "l1", EntityType: EntityProduct, EntityID: "e1", Kind: OpUpdate, BaseUpdatedAt: &base},
			wantCode: CodeInvalidPayload,
		},
		{
			name:    "delete needs no payload",
			op:      Operation{LocalID: "l1", EntityType: EntityProduct, EntityID: "e1", Kind: OpDelete, BaseUpdatedAt: &base},
			wantNil: true,
		},
		{
			name:     "delete without base",
			op:       Operation{LocalID: "l1", EntityType: EntityProduct, EntityID: "e1", Kind: OpDelete},
			wantCode: CodeMissingBase,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ValidateOperation(tt.op)
			if tt.wantCode != "" {
				var vErr *ValidationError
				require.True(t, errors.As(err, &vErr), "expected validation error, got %v", err)
				assert.Equal(t, tt.wantCode, vErr.Code)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, p)
			} else {
				assert.NotNil(t, p)
			}
		})
	}
}

func TestOperationDTO_KeepsLargeIntegers(t *testing.T) {
	const price = int64(9007199254740993)
	op := Operation{
		LocalID:    "l1",
		EntityType: EntityProduct,
		Kind:       OpCreate,
		Payload:    json.RawMessage(`{"name":"Gold bar","price_cents":9007199254740993}`),
	}

	dto, err := OperationToDTO(op)
	require.NoError(t, err)

	wire, err := json.Marshal(BatchSyncRequest{DeviceID: "dev", Operations: []OperationDTO{dto}})
	require.NoError(t, err)
	assert.Contains(t, string(wire), `"price_cents":9007199254740993`)

	var req BatchSyncRequest
	require.NoError(t, json.Unmarshal(wire, &req))
	back, err := req.Operations[0].ToOperation()
	require.NoError(t, err)

	payload, err := DecodePayload(back.EntityType, back.Payload)
	require.NoError(t, err)
	assert.Equal(t, price, payload.(*ProductPayload).PriceCents)
}

func TestOperationToDTO_InvalidPayload(t *testing.T) {
	_, err := OperationToDTO(Operation{LocalID: "l1", EntityType: EntityProduct, Kind: OpCreate, Payload: json.RawMessage(`{"name":`)})
	assert.Error(t, err)

	dto, err := OperationToDTO(Operation{LocalID: "d1", EntityType: EntityProduct, Kind: OpDelete, Payload: json.RawMessage(`null`)})
	require.NoError(t, err)
	assert.Nil(t, dto.Payload)
}
