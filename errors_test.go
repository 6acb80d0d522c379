package rdma

import "testing"

func TestPublicErrorAliasesWork(t *testing.T) {
	err := NewConnError("POST_SEND", 4, ErrCodePostFailed, "send queue full")
	if !IsCode(err, ErrCodePostFailed) {
		t.Error("expected IsCode to recognise the re-exported ErrCodePostFailed")
	}
	var target *Error
	if err.Code != ErrCodePostFailed {
		t.Errorf("err.Code = %v, want ErrCodePostFailed", err.Code)
	}
	_ = target
}
