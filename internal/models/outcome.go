package models

// OutcomeCode classifies the result of a reservation attempt (or a confirm /
// cancel command). Codes travel through the reject cache and out to callers.
type OutcomeCode string

const (
	CodeSuccess           OutcomeCode = "SUCCESS"
	CodeOutOfStock        OutcomeCode = "OUT_OF_STOCK"
	CodeAlreadyPurchased  OutcomeCode = "USER_ALREADY_PURCHASED"
	CodeActiveReservation OutcomeCode = "USER_HAS_ACTIVE_RESERVATION"
	CodeDuplicateRequest  OutcomeCode = "DUPLICATE_REQUEST"
	CodeInvalidRequest    OutcomeCode = "INVALID_REQUEST"
	CodeProcessingError   OutcomeCode = "PROCESSING_ERROR"
	CodeTimeout           OutcomeCode = "TIMEOUT"
	CodeCannotConfirm     OutcomeCode = "CANNOT_CONFIRM"
)

// Outcome is what a waiting caller finally receives.
type Outcome struct {
	Code          OutcomeCode `json:"code"`
	Message       string      `json:"message,omitempty"`
	ReservationID string      `json:"reservation_id,omitempty"`
	OrderID       string      `json:"order_id,omitempty"`   // set when a CONFIRM created or found an order
	ExpiresAt     int64       `json:"expires_at,omitempty"` // unix seconds, set on SUCCESS
}

// OK reports whether the outcome represents a granted hold.
func (o Outcome) OK() bool { return o.Code == CodeSuccess }

// Rejection is the payload stored under reject:{user}:{sku}.
type Rejection struct {
	Code    OutcomeCode `json:"code"`
	Message string      `json:"message"`
}
