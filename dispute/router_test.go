package dispute

import (
	"context"
	"errors"
	"testing"
)

type fakeVerifier struct {
	accountID string
	err       error
	tokens    []string
}

func (f *fakeVerifier) VerifyArbitrator(token string) (string, error) {
	f.tokens = append(f.tokens, token)
	if f.err != nil {
		return "", f.err
	}
	return f.accountID, nil
}

type fakeEngine struct {
	disputeID string
	ruling    Ruling
	calls     int
	err       error
}

func (f *fakeEngine) ApplyRuling(ctx context.Context, disputeID string, ruling Ruling) error {
	f.calls++
	f.disputeID = disputeID
	f.ruling = ruling
	return f.err
}

func TestRouter_AppliesBinaryOutcome(t *testing.T) {
	verifier := &fakeVerifier{accountID: "acct-arb"}
	engine := &fakeEngine{}
	router := NewRouter(verifier, engine)

	if err := router.Rule(context.Background(), "token-1", "disp-9", OutcomeCodeCounterparty); err != nil {
		t.Fatalf("rule: %v", err)
	}
	if engine.calls != 1 {
		t.Fatalf("expected one engine call, got %d", engine.calls)
	}
	if engine.disputeID != "disp-9" {
		t.Fatalf("expected dispute disp-9, got %q", engine.disputeID)
	}
	if engine.ruling != RulingCounterparty {
		t.Fatalf("expected counterparty ruling, got %s", engine.ruling)
	}
}

func TestRouter_RejectsNonArbitrator(t *testing.T) {
	verifier := &fakeVerifier{err: errors.New("role mismatch")}
	engine := &fakeEngine{}
	router := NewRouter(verifier, engine)

	err := router.Rule(context.Background(), "party-token", "disp-9", OutcomeCodePrimary)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if engine.calls != 0 {
		t.Fatal("expected no engine call for unauthorized bearer")
	}
}

func TestRouter_RejectsOutcomeOutsideBinarySpace(t *testing.T) {
	verifier := &fakeVerifier{accountID: "acct-arb"}
	engine := &fakeEngine{}
	router := NewRouter(verifier, engine)

	for _, code := range []int{0, 3, -1, 99} {
		err := router.Rule(context.Background(), "token-1", "disp-9", code)
		if !errors.Is(err, ErrBadOutcome) {
			t.Fatalf("code %d: expected ErrBadOutcome, got %v", code, err)
		}
	}
	if engine.calls != 0 {
		t.Fatal("expected no engine call for out-of-range codes")
	}
}

func TestRouter_PropagatesEngineError(t *testing.T) {
	sentinel := errors.New("already ruled")
	verifier := &fakeVerifier{accountID: "acct-arb"}
	engine := &fakeEngine{err: sentinel}
	router := NewRouter(verifier, engine)

	if err := router.Rule(context.Background(), "token-1", "disp-9", OutcomeCodePrimary); !errors.Is(err, sentinel) {
		t.Fatalf("expected engine error to surface, got %v", err)
	}
}

func TestParseOutcome(t *testing.T) {
	cases := []struct {
		code   int
		ruling Ruling
		ok     bool
	}{
		{OutcomeCodePrimary, RulingPrimary, true},
		{OutcomeCodeCounterparty, RulingCounterparty, true},
		{0, "", false},
		{3, "", false},
	}
	for _, tc := range cases {
		ruling, ok := ParseOutcome(tc.code)
		if ok != tc.ok || ruling != tc.ruling {
			t.Fatalf("ParseOutcome(%d) = (%q, %v), want (%q, %v)", tc.code, ruling, ok, tc.ruling, tc.ok)
		}
	}
}
