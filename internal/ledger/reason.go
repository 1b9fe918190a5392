package ledger

import (
	"time"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// ReasonKind is the top-level classification stored on every ledger row.
type ReasonKind string

const (
	ReasonReceipt    ReasonKind = "RECEIPT"
	ReasonShipment   ReasonKind = "SHIPMENT"
	ReasonAdjustment ReasonKind = "ADJUSTMENT"
)

// Reason is a closed set of movement reasons. Only Receipt, Shipment and
// Adjustment implement it.
type Reason interface {
	Kind() ReasonKind
	SubReason() string
	checkDelta(delta int64) error
	sealed()
}

// ReceiptSub enumerates inbound sub-reasons.
type ReceiptSub string

const (
	SubPOReceipt     ReceiptSub = "PO_RECEIPT"
	SubReturnReceipt ReceiptSub = "RETURN_RECEIPT"
	SubTransferIn    ReceiptSub = "TRANSFER_IN"
)

// ShipmentSub enumerates outbound sub-reasons.
type ShipmentSub string

const (
	SubOrderShip   ShipmentSub = "ORDER_SHIP"
	SubPick        ShipmentSub = "PICK"
	SubTransferOut ShipmentSub = "TRANSFER_OUT"
)

// AdjustmentSub enumerates correction sub-reasons.
type AdjustmentSub string

const (
	SubCountAdjust      AdjustmentSub = "COUNT_ADJUST"
	SubDamage           AdjustmentSub = "DAMAGE"
	SubManualCorrection AdjustmentSub = "MANUAL_CORRECTION"
)

// Receipt adds stock. Batch dates are recorded the first time the batch is seen.
type Receipt struct {
	Sub            ReceiptSub
	ProductionDate *time.Time
	ExpiryDate     *time.Time
}

// Shipment removes stock.
type Shipment struct {
	Sub ShipmentSub
}

// Adjustment corrects stock in either direction.
type Adjustment struct {
	Sub AdjustmentSub
}

// Kind implements Reason.
func (Receipt) Kind() ReasonKind { return ReasonReceipt }

// SubReason implements Reason.
func (r Receipt) SubReason() string { return string(r.Sub) }

func (Receipt) sealed() {}

// Kind implements Reason.
func (Shipment) Kind() ReasonKind { return ReasonShipment }

// SubReason implements Reason.
func (s Shipment) SubReason() string { return string(s.Sub) }

func (Shipment) sealed() {}

// Kind implements Reason.
func (Adjustment) Kind() ReasonKind { return ReasonAdjustment }

// SubReason implements Reason.
func (a Adjustment) SubReason() string { return string(a.Sub) }

func (Adjustment) sealed() {}

func (r Receipt) checkDelta(delta int64) error {
	switch r.Sub {
	case SubPOReceipt, SubReturnReceipt, SubTransferIn:
	default:
		return shared.NewValidationError("sub_reason", "is not a receipt sub-reason")
	}
	if delta < 0 {
		return shared.NewValidationError("delta", "must not be negative for a receipt")
	}
	if r.ProductionDate != nil && r.ExpiryDate != nil && r.ExpiryDate.Before(*r.ProductionDate) {
		return shared.NewValidationError("expiry_date", "must not precede production_date")
	}
	return nil
}

func (s Shipment) checkDelta(delta int64) error {
	switch s.Sub {
	case SubOrderShip, SubPick, SubTransferOut:
	default:
		return shared.NewValidationError("sub_reason", "is not a shipment sub-reason")
	}
	if delta > 0 {
		return shared.NewValidationError("delta", "must not be positive for a shipment")
	}
	return nil
}

func (a Adjustment) checkDelta(int64) error {
	switch a.Sub {
	case SubCountAdjust, SubDamage, SubManualCorrection:
		return nil
	}
	return shared.NewValidationError("sub_reason", "is not an adjustment sub-reason")
}

// ParseReason builds a Reason from its stored string form.
func ParseReason(kind, sub string) (Reason, error) {
	var reason Reason
	switch ReasonKind(kind) {
	case ReasonReceipt:
		reason = Receipt{Sub: ReceiptSub(sub)}
	case ReasonShipment:
		reason = Shipment{Sub: ShipmentSub(sub)}
	case ReasonAdjustment:
		reason = Adjustment{Sub: AdjustmentSub(sub)}
	default:
		return nil, shared.NewValidationError("reason", "must be one of RECEIPT SHIPMENT ADJUSTMENT")
	}
	if err := reason.checkDelta(0); err != nil {
		return nil, err
	}
	return reason, nil
}
