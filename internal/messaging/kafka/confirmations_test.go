package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
)

func TestConfirmationHandler(t *testing.T) {
	var gotReceipt, gotSignature string
	var gotPayload []byte
	handler := NewConfirmationHandler(func(_ context.Context, receiptID string, payload []byte, signature string) error {
		gotReceipt, gotPayload, gotSignature = receiptID, payload, signature
		return nil
	})

	tests := []struct {
		name        string
		msg         *sarama.ConsumerMessage
		wantReceipt string
		wantErr     error
	}{
		{name: "receipt header wins over key", msg: confirmation(1), wantReceipt: "rcpt-9"},
		{name: "key fallback", msg: &sarama.ConsumerMessage{Key: []byte("rcpt-2")}, wantReceipt: "rcpt-2"},
		{name: "no receipt", msg: &sarama.ConsumerMessage{Value: []byte(`{}`)}, wantErr: ErrMissingReceipt},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gotReceipt = ""
			err := handler(context.Background(), tc.msg)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("error = %v, want %v", err, tc.wantErr)
			}
			if gotReceipt != tc.wantReceipt {
				t.Fatalf("receipt = %q, want %q", gotReceipt, tc.wantReceipt)
			}
		})
	}

	if gotSignature != "" || gotPayload != nil {
		t.Fatalf("key-only message must carry no signature or payload, got %q %q", gotSignature, gotPayload)
	}
	_ = handler(context.Background(), confirmation(1))
	if gotSignature != "sig" || string(gotPayload) != `{"receipt_id":"rcpt-9","outcome":"succeeded"}` {
		t.Fatalf("unexpected forwarded confirmation: %q %q", gotSignature, gotPayload)
	}
}
