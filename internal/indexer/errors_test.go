package indexer

import (
	"errors"
	"fmt"
	"testing"

	"ownershipMirror/internal/erc721"
	"ownershipMirror/internal/ledger"
	"ownershipMirror/internal/storage"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, 0},
		{"explicit", newError(KindFatalConnection, "dial", errors.New("refused")), KindFatalConnection},
		{"wrapped explicit", fmt.Errorf("outer: %w", newError(KindApplyConflict, "apply", errors.New("x"))), KindApplyConflict},
		{"malformed", fmt.Errorf("decode: %w", erc721.ErrMalformedLog), KindPermanentApply},
		{"conflict", fmt.Errorf("commit: %w", storage.ErrConflict), KindApplyConflict},
		{"unavailable", fmt.Errorf("rpc: %w", ledger.ErrUnavailable), KindTransientTransport},
		{"timeout", fmt.Errorf("rpc: %w", ledger.ErrTimeout), KindTransientTransport},
		{"unknown", errors.New("other"), 0},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("%s: KindOf = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestErrorRetryable(t *testing.T) {
	if !newError(KindApplyConflict, "apply", errors.New("x")).Retryable() {
		t.Fatalf("apply conflict should be retryable")
	}
	if newError(KindPermanentApply, "apply", errors.New("x")).Retryable() {
		t.Fatalf("permanent apply should not be retryable")
	}
	if IsRetryable(errors.New("other")) {
		t.Fatalf("unclassified errors should not be retryable")
	}
}

func TestNormalizeOwner(t *testing.T) {
	got, err := NormalizeOwner(" 0x52908400098527886e0f7030069857d2e4169ee7 ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "0x52908400098527886E0F7030069857D2E4169EE7" {
		t.Fatalf("checksum mismatch: %s", got)
	}
	if _, err := NormalizeOwner("0x123"); err == nil {
		t.Fatalf("expected error for short address")
	}
}
