package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New("AUCTION_NOT_FOUND", "auction not found", KindNotFound),
			want: "AUCTION_NOT_FOUND: auction not found",
		},
		{
			name: "with wrapped error",
			err:  Wrap(fmt.Errorf("db error"), "STORAGE_FAILED", "database failure", KindTransient),
			want: "STORAGE_FAILED: database failure: db error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap(inner, "CODE", "msg", KindTransient)

	if !errors.Is(appErr, inner) {
		t.Error("errors.Is should match inner error")
	}
}

func TestIsAppError(t *testing.T) {
	appErr := ErrAuctionNotFoundf("a-1")
	wrapped := fmt.Errorf("wrapped: %w", appErr)

	got, ok := IsAppError(wrapped)
	if !ok {
		t.Fatal("IsAppError should return true for wrapped AppError")
	}
	if got.Code != CodeAuctionNotFound {
		t.Errorf("Code = %q, want %s", got.Code, CodeAuctionNotFound)
	}
	if !errors.Is(wrapped, ErrNotFound) {
		t.Error("not found AppError should match ErrNotFound")
	}
}

func TestKindOfAndRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  Kind
		retryable bool
	}{
		{"validation", ErrMalformedEnvelopef(errors.New("bad json")), KindValidation, false},
		{"business", ErrAuctionAlreadyTerminalf("a-1", "CLOSED"), KindBusiness, false},
		{"conflict", fmt.Errorf("save: %w", ErrVersionConflictf("a-1", 3)), KindConflict, true},
		{"transient", Transient(errors.New("timeout"), CodeStorageFailed, "write failed"), KindTransient, true},
		{"plain error", errors.New("connection reset"), KindInternal, true},
		{"not found", ErrAuctionNotFoundf("a-1"), KindNotFound, false},
		{"nil", nil, KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.wantKind {
				t.Errorf("KindOf() = %v, want %v", got, tt.wantKind)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestInvalidAuctionSpecCarriesField(t *testing.T) {
	err := ErrInvalidAuctionSpecf("currency", "must be a 3-letter ISO-4217 code")

	if !HasCode(err, CodeInvalidAuctionSpec) {
		t.Fatalf("HasCode() = false for %v", err)
	}
	if len(err.FieldErrors) != 1 || err.FieldErrors[0].Field != "currency" {
		t.Errorf("FieldErrors = %+v, want one currency entry", err.FieldErrors)
	}
}
