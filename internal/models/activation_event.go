package models

import (
	"time"

	"github.com/google/uuid"
)

// EventAction describes what a history entry records.
type EventAction string

const (
	// EventActionActivation is a successful first activation.
	EventActionActivation EventAction = "activation"
	// EventActionVerification is a successful routine check.
	EventActionVerification EventAction = "verification"
	// EventActionRejection is a verification call refused by a business rule.
	EventActionRejection EventAction = "rejection"
	// EventActionStateChange is a manual administrative transition.
	EventActionStateChange EventAction = "state_change"
	// EventActionExpiration is an Active to Expired transition made by the expiry sweep.
	EventActionExpiration EventAction = "expiration"
)

// ActivationEvent is one immutable entry in a license's activation history.
type ActivationEvent struct {
	ID         uuid.UUID   `json:"id"`
	LicenseID  *uuid.UUID  `json:"licencia_id,omitempty"`
	ProductKey string      `json:"clave_producto"`
	Action     EventAction `json:"accion"`
	Reason     *string     `json:"motivo,omitempty"`
	HardwareID *string     `json:"hardware_id,omitempty"`
	Domain     *string     `json:"dominio,omitempty"`
	IPAddress  *string     `json:"ip,omitempty"`
	UserAgent  *string     `json:"user_agent,omitempty"`
	Details    string      `json:"detalles,omitempty"`
	CreatedAt  time.Time   `json:"fecha"`
}

// NewActivationEvent creates a history entry for the given license.
// A nil license records an attempt against a key that matched nothing.
func NewActivationEvent(lic *License, productKey string, action EventAction) *ActivationEvent {
	ev := &ActivationEvent{
		ID:         uuid.New(),
		ProductKey: productKey,
		Action:     action,
		CreatedAt:  time.Now(),
	}
	if lic != nil {
		id := lic.ID
		ev.LicenseID = &id
		ev.ProductKey = lic.Key
	}
	return ev
}
