package resolver_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/watchllm/gateway/resolver"
)

func sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

type fakeDirectory struct {
	projects map[string]resolver.Project
	keys     map[string]resolver.APIKey
	touched  []string
}

func (f *fakeDirectory) Resolve(_ context.Context, tokenHash string) (resolver.Project, resolver.APIKey, error) {
	key, ok := f.keys[tokenHash]
	if !ok {
		return resolver.Project{}, resolver.APIKey{}, resolver.ErrUnauthorized
	}
	return f.projects[key.ProjectID], key, nil
}

func (f *fakeDirectory) TouchLastUsed(_ context.Context, projectID string) {
	f.touched = append(f.touched, projectID)
}

func TestResolveUnknownTokenFailsClosed(t *testing.T) {
	dir := &fakeDirectory{projects: map[string]resolver.Project{}, keys: map[string]resolver.APIKey{}}
	r := resolver.New(dir, 100, 60*time.Second)

	_, err := r.Resolve(context.Background(), "sk-does-not-exist")
	if err != resolver.ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestResolveEmptyTokenFailsClosed(t *testing.T) {
	dir := &fakeDirectory{}
	r := resolver.New(dir, 100, 60*time.Second)

	if _, err := r.Resolve(context.Background(), ""); err != resolver.ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized for empty token, got %v", err)
	}
}

func TestResolveInactiveKeyRejected(t *testing.T) {
	dir := &fakeDirectory{
		projects: map[string]resolver.Project{"p1": {ID: "p1", Plan: resolver.PlanFree}},
		keys:     map[string]resolver.APIKey{},
	}
	// Register the key under its token hash, marked inactive.
	token := "sk-live-abc"
	h := sha256Hex(token)
	dir.keys[h] = resolver.APIKey{KeyPrefix: "sk-live", ProjectID: "p1", IsActive: false}

	r := resolver.New(dir, 100, 60*time.Second)
	if _, err := r.Resolve(context.Background(), token); err != resolver.ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized for inactive key, got %v", err)
	}
}

func TestResolveCachesHit(t *testing.T) {
	token := "sk-live-xyz"
	h := sha256Hex(token)
	dir := &fakeDirectory{
		projects: map[string]resolver.Project{"p1": {ID: "p1", Plan: resolver.PlanPro}},
		keys:     map[string]resolver.APIKey{h: {KeyPrefix: "sk-live", ProjectID: "p1", IsActive: true}},
	}
	r := resolver.New(dir, 100, 60*time.Second)

	res, err := r.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Project.ID != "p1" || res.Project.Plan != resolver.PlanPro {
		t.Fatalf("unexpected resolved project: %+v", res.Project)
	}

	// Remove from directory — a cached hit must still succeed.
	delete(dir.keys, h)
	res2, err := r.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("expected cached hit to succeed, got %v", err)
	}
	if res2.Project.ID != "p1" {
		t.Fatalf("unexpected cached project: %+v", res2.Project)
	}
}

func TestLimitsFallbackToFree(t *testing.T) {
	l := resolver.Limits(resolver.Plan("nonexistent"))
	if l != resolver.Limits(resolver.PlanFree) {
		t.Fatalf("expected unknown plan to fall back to free limits, got %+v", l)
	}
}
