package contract

import (
	"context"
	"encoding/json"
	"fmt"

	"rentsign/notify"
	"rentsign/signature"
)

// Activator routes contract.activate outbox messages to the activation
// service and hands everything else to the next sender in the chain. It
// plugs into the outbox worker as its delivery backend.
type Activator struct {
	svc  *Service
	next notify.Sender
}

func NewActivator(svc *Service, next notify.Sender) *Activator {
	if next == nil {
		next = notify.LogSender{}
	}
	return &Activator{svc: svc, next: next}
}

func (a *Activator) Send(ctx context.Context, topic string, payload []byte) error {
	if topic != signature.TopicContractActivate {
		return a.next.Send(ctx, topic, payload)
	}

	var body struct {
		RequestID  string `json:"request_id"`
		DocumentID string `json:"document_id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("contract: decode activation payload: %w", err)
	}
	if body.RequestID == "" || body.DocumentID == "" {
		return fmt.Errorf("contract: activation payload missing ids")
	}

	return a.svc.HandleActivation(ctx, ActivationRequest{
		DocumentID:     body.DocumentID,
		IdempotencyKey: "contract-activate-" + body.RequestID,
	})
}
