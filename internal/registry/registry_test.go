package registry

import "testing"

func TestProvidersForModelFiltersDisabledAndCooldown(t *testing.T) {
	r, err := New([]ProviderConfig{
		{Name: "a", Driver: DriverOpenAI, Models: []string{"gpt-5"}},
		{Name: "b", Driver: DriverAnthropic, Models: []string{"gpt-5"}, Disabled: true},
		{Name: "c", Driver: DriverOpenAI, Models: []string{"other-model"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := r.ProvidersForModel("gpt-5")
	if len(got) != 1 || got[0].Name != "a" {
		t.Fatalf("expected only provider 'a', got %+v", got)
	}

	r.MarkCooldown("a", ErrorTypeRateLimit)
	if got := r.ProvidersForModel("gpt-5"); len(got) != 0 {
		t.Fatalf("expected no providers while 'a' is in cooldown, got %+v", got)
	}
}

func TestMarkAndClearCooldown(t *testing.T) {
	r, _ := New([]ProviderConfig{{Name: "p", Driver: DriverOpenAI, Models: []string{"m"}}})

	if r.IsInCooldown("p") {
		t.Fatal("should not start in cooldown")
	}
	r.MarkCooldown("p", ErrorTypeTimeout)
	if !r.IsInCooldown("p") {
		t.Fatal("expected cooldown after MarkCooldown")
	}

	was, reason := r.ClearCooldown("p")
	if !was || reason != ErrorTypeTimeout {
		t.Fatalf("ClearCooldown: was=%v reason=%v", was, reason)
	}
	if r.IsInCooldown("p") {
		t.Fatal("expected cooldown cleared")
	}
}

func TestCooldownDurationEscalatesAndCaps(t *testing.T) {
	d1 := cooldownDuration(1, false)
	d2 := cooldownDuration(2, false)
	if d2 <= d1 {
		t.Fatalf("expected escalating cooldown, got d1=%v d2=%v", d1, d2)
	}
	dCap := cooldownDuration(100, false)
	if dCap.Hours() > 1 {
		t.Fatalf("expected non-billing cooldown capped at 1hr, got %v", dCap)
	}

	billingCap := cooldownDuration(100, true)
	if billingCap.Hours() > 24 {
		t.Fatalf("expected billing cooldown capped at 24hr, got %v", billingCap)
	}
}

func TestClassifyErrorOrdering(t *testing.T) {
	if ClassifyError("400 invalid_request_error: max_tokens must be <= 4096") != ErrorTypeMaxTokens {
		t.Error("max_tokens should be classified before auth/format")
	}
	if ClassifyError("401 unauthorized") != ErrorTypeAuth {
		t.Error("expected auth classification")
	}
	if !IsFailoverError(ErrorTypeRateLimit) {
		t.Error("rate_limit should be a failover error")
	}
	if IsFailoverError(ErrorTypeMaxTokens) {
		t.Error("max_tokens should not trigger immediate failover")
	}
}
