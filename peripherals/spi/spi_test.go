package spi

import (
	"reflect"
	"testing"
)

type echoTarget struct{}

func (echoTarget) Transfer(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func TestTransferForwardsToTarget(t *testing.T) {
	c := Init(echoTarget{}, "PC0")
	resp, err := c.Transfer([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !reflect.DeepEqual(resp, []byte{1, 2, 3}) {
		t.Errorf("resp = %v, want echo", resp)
	}
}

func TestTransferNoTargetErrors(t *testing.T) {
	c := Init(nil, "PC1")
	if _, err := c.Transfer([]byte{1}); err == nil {
		t.Fatal("expected error with no bound target")
	}
}
