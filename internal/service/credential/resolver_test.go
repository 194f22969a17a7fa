package credential

import (
	"context"
	"testing"

	"github.com/cipher982/zerg/internal/crypto"
	"github.com/cipher982/zerg/internal/service"
)

// fakeCredStore is an in-memory CredentialStorer for resolver tests.
type fakeCredStore struct {
	account map[string]*service.AccountCredential // key: owner|type
	agent   map[string]*service.AgentCredential   // key: agent|type
}

func newFakeCredStore() *fakeCredStore {
	return &fakeCredStore{
		account: make(map[string]*service.AccountCredential),
		agent:   make(map[string]*service.AgentCredential),
	}
}

func (f *fakeCredStore) ListAccountCredentials(context.Context, string) ([]service.AccountCredential, error) {
	return nil, nil
}

func (f *fakeCredStore) GetAccountCredential(_ context.Context, ownerID, typ string) (*service.AccountCredential, error) {
	return f.account[ownerID+"|"+typ], nil
}

func (f *fakeCredStore) UpsertAccountCredential(_ context.Context, c service.AccountCredential) (*service.AccountCredential, error) {
	f.account[c.OwnerID+"|"+c.ConnectorType] = &c
	return &c, nil
}

func (f *fakeCredStore) UpdateAccountCredentialStatus(context.Context, string, service.TestStatus) error {
	return nil
}

func (f *fakeCredStore) SetAccountCredentialDisabled(_ context.Context, ownerID, typ string, disabled bool) error {
	if c, ok := f.account[ownerID+"|"+typ]; ok {
		c.Disabled = disabled
	}
	return nil
}

func (f *fakeCredStore) DeleteAccountCredential(_ context.Context, ownerID, typ string) error {
	delete(f.account, ownerID+"|"+typ)
	return nil
}

func (f *fakeCredStore) ListAgentCredentials(context.Context, string) ([]service.AgentCredential, error) {
	return nil, nil
}

func (f *fakeCredStore) GetAgentCredential(_ context.Context, agentID, typ string) (*service.AgentCredential, error) {
	return f.agent[agentID+"|"+typ], nil
}

func (f *fakeCredStore) UpsertAgentCredential(_ context.Context, c service.AgentCredential) (*service.AgentCredential, error) {
	f.agent[c.AgentID+"|"+c.ConnectorType] = &c
	return &c, nil
}

func (f *fakeCredStore) DeleteAgentCredential(_ context.Context, agentID, typ string) error {
	delete(f.agent, agentID+"|"+typ)
	return nil
}

func testStoreCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	c, err := crypto.NewCipher("resolver-test-key")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestAccountFallback(t *testing.T) {
	ctx := context.Background()
	store := newFakeCredStore()
	cipher := testStoreCipher(t)

	sealed, _ := cipher.Seal("v1")
	store.UpsertAccountCredential(ctx, service.AccountCredential{
		OwnerID:       "own_1",
		ConnectorType: "slack_webhook",
		Value:         sealed,
		TestStatus:    service.TestSuccess,
	})

	r := New(store, "agt_1", "own_1", cipher, nil)

	got, found, err := r.Get(ctx, "slack_webhook")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || got != "v1" {
		t.Fatalf("Get = (%q, %v), want (v1, true)", got, found)
	}
}

func TestAgentOverrideWins(t *testing.T) {
	ctx := context.Background()
	store := newFakeCredStore()
	cipher := testStoreCipher(t)

	sealedAccount, _ := cipher.Seal("account-secret")
	store.UpsertAccountCredential(ctx, service.AccountCredential{
		OwnerID: "own_1", ConnectorType: "slack_webhook", Value: sealedAccount,
	})

	sealedOverride, _ := cipher.Seal("override-secret")
	store.UpsertAgentCredential(ctx, service.AgentCredential{
		AgentID: "agt_1", OwnerID: "own_1", ConnectorType: "slack_webhook", Value: sealedOverride,
	})

	r := New(store, "agt_1", "own_1", cipher, nil)

	got, _, err := r.Get(ctx, "slack_webhook")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "override-secret" {
		t.Fatalf("Get = %q, want override-secret", got)
	}
}

func TestRequestScopedCache(t *testing.T) {
	ctx := context.Background()
	store := newFakeCredStore()
	cipher := testStoreCipher(t)

	sealed1, _ := cipher.Seal("v1")
	store.UpsertAccountCredential(ctx, service.AccountCredential{
		OwnerID: "own_1", ConnectorType: "slack_webhook", Value: sealed1,
	})

	r := New(store, "", "own_1", cipher, nil)
	got, _, _ := r.Get(ctx, "slack_webhook")
	if got != "v1" {
		t.Fatalf("first Get = %q, want v1", got)
	}

	// Mutate the underlying table: the in-flight resolver must still see v1.
	sealed2, _ := cipher.Seal("v2")
	store.UpsertAgentCredential(ctx, service.AgentCredential{
		AgentID: "agt_1", OwnerID: "own_1", ConnectorType: "slack_webhook", Value: sealed2,
	})
	store.UpsertAccountCredential(ctx, service.AccountCredential{
		OwnerID: "own_1", ConnectorType: "slack_webhook", Value: sealed2,
	})

	got, _, _ = r.Get(ctx, "slack_webhook")
	if got != "v1" {
		t.Fatalf("cached Get = %q, want v1", got)
	}

	// A fresh resolver sees the new value (and the override first).
	r2 := New(store, "agt_1", "own_1", cipher, nil)
	got, _, _ = r2.Get(ctx, "slack_webhook")
	if got != "v2" {
		t.Fatalf("fresh Get = %q, want v2", got)
	}
}

func TestMissingCredential(t *testing.T) {
	ctx := context.Background()
	r := New(newFakeCredStore(), "agt_1", "own_1", nil, nil)

	_, found, err := r.Get(ctx, "slack_webhook")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}

	st, err := r.Status(ctx, "slack_webhook")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st != StatusNotConfigured {
		t.Fatalf("Status = %q, want %q", st, StatusNotConfigured)
	}
}

func TestStatusInvalidCredentials(t *testing.T) {
	ctx := context.Background()
	store := newFakeCredStore()

	store.UpsertAccountCredential(ctx, service.AccountCredential{
		OwnerID: "own_1", ConnectorType: "gmail", Value: "plain", TestStatus: service.TestFailed,
	})

	r := New(store, "", "own_1", nil, nil)

	st, err := r.Status(ctx, "gmail")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st != StatusInvalidCredentials {
		t.Fatalf("Status = %q, want %q", st, StatusInvalidCredentials)
	}
}

func TestStatusDisabledByAdmin(t *testing.T) {
	ctx := context.Background()
	store := newFakeCredStore()
	cipher := testStoreCipher(t)

	sealed, _ := cipher.Seal("account-secret")
	store.UpsertAccountCredential(ctx, service.AccountCredential{
		OwnerID: "own_1", ConnectorType: "slack_webhook", Value: sealed,
		TestStatus: service.TestSuccess,
	})
	store.SetAccountCredentialDisabled(ctx, "own_1", "slack_webhook", true)

	// Even an agent override does not bypass the account-level disable.
	sealedOverride, _ := cipher.Seal("override-secret")
	store.UpsertAgentCredential(ctx, service.AgentCredential{
		AgentID: "agt_1", OwnerID: "own_1", ConnectorType: "slack_webhook", Value: sealedOverride,
	})

	r := New(store, "agt_1", "own_1", cipher, nil)

	st, err := r.Status(ctx, "slack_webhook")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st != StatusDisabledByAdmin {
		t.Fatalf("Status = %q, want %q", st, StatusDisabledByAdmin)
	}

	// The credential is unusable while disabled.
	_, found, err := r.Get(ctx, "slack_webhook")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("disabled connector must not resolve a credential")
	}
}

func TestStatusRateLimited(t *testing.T) {
	ctx := context.Background()
	store := newFakeCredStore()

	store.UpsertAccountCredential(ctx, service.AccountCredential{
		OwnerID: "own_1", ConnectorType: "slack_webhook", Value: "plain",
		TestStatus: service.TestSuccess,
	})

	limits := NewRateLimitTracker()
	limits.MarkLimited("slack_webhook")

	r := New(store, "", "own_1", nil, limits)

	st, err := r.Status(ctx, "slack_webhook")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st != StatusRateLimited {
		t.Fatalf("Status = %q, want %q", st, StatusRateLimited)
	}

	// Rate limiting degrades the status but the credential still resolves:
	// the model decides whether to retry.
	got, found, _ := r.Get(ctx, "slack_webhook")
	if !found || got != "plain" {
		t.Fatalf("Get = (%q, %v), want (plain, true)", got, found)
	}

	// Other connector types are unaffected.
	if limits.Limited("gmail") {
		t.Fatal("unrelated connector must not be rate limited")
	}
}

func TestHasDoesNotOpen(t *testing.T) {
	ctx := context.Background()
	store := newFakeCredStore()
	cipher := testStoreCipher(t)

	// A row sealed under a different key: Open would fail, Has must not.
	foreign, _ := crypto.NewCipher("some-other-key")
	sealed, _ := foreign.Seal("v1")
	store.UpsertAccountCredential(ctx, service.AccountCredential{
		OwnerID: "own_1", ConnectorType: "slack_webhook", Value: sealed,
	})

	r := New(store, "", "own_1", cipher, nil)

	has, err := r.Has(ctx, "slack_webhook")
	if err != nil {
		t.Fatalf("Has must not decrypt: %v", err)
	}
	if !has {
		t.Fatal("Has = false, want true")
	}

	if _, _, err := r.Get(ctx, "slack_webhook"); err == nil {
		t.Fatal("Get on a foreign-key row should fail to open")
	}
}
