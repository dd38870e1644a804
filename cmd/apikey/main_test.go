package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"testing"

	"github.com/scripthub/licensing/internal/core/domain"
	"github.com/scripthub/licensing/internal/testutil"
	"github.com/stretchr/testify/mock"
)

func TestGenerateKey(t *testing.T) {
	mockRepo := new(testutil.MockAPIKeyRepo)
	var saved *domain.APIKey
	mockRepo.On("CreateAPIKey", mock.AnythingOfType("*domain.APIKey")).
		Run(func(args mock.Arguments) { saved = args.Get(0).(*domain.APIKey) }).
		Return(nil)

	out := &bytes.Buffer{}
	if err := generateKey(mockRepo, "user1", "test-key", 30, out); err != nil {
		t.Fatalf("generateKey failed: %v", err)
	}

	if !bytes.Contains(out.Bytes(), []byte("API Key Created Successfully!")) {
		t.Errorf("expected success message in output")
	}
	m := regexp.MustCompile(`VALUE:\s+(shk_[0-9a-f]{32})`).FindSubmatch(out.Bytes())
	if m == nil {
		t.Fatalf("expected shk_ key in output, got %q", out.String())
	}
	hash := sha256.Sum256(m[1])
	if saved.KeyHash != hex.EncodeToString(hash[:]) {
		t.Errorf("stored hash does not match printed key")
	}
	if saved.UserID != "user1" || !saved.Active || saved.ExpiresAt == nil || saved.KeyPrefix != string(m[1][:8]) {
		t.Errorf("unexpected stored key: %+v", saved)
	}
	mockRepo.AssertExpectations(t)
}

func TestGenerateKey_NoExpiry(t *testing.T) {
	mockRepo := new(testutil.MockAPIKeyRepo)
	mockRepo.On("CreateAPIKey", mock.MatchedBy(func(k *domain.APIKey) bool { return k.ExpiresAt == nil })).Return(nil)

	out := &bytes.Buffer{}
	if err := generateKey(mockRepo, "user1", "forever", 0, out); err != nil {
		t.Fatalf("generateKey failed: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("Expires:    never")) {
		t.Errorf("expected no expiry in output, got %q", out.String())
	}
	mockRepo.AssertExpectations(t)
}

func TestGenerateKey_RequiresUser(t *testing.T) {
	mockRepo := new(testutil.MockAPIKeyRepo)
	if err := generateKey(mockRepo, "", "k", 30, &bytes.Buffer{}); err == nil {
		t.Error("expected error without a user")
	}
	mockRepo.AssertNotCalled(t, "CreateAPIKey", mock.Anything)
}

func TestListKeys(t *testing.T) {
	mockRepo := new(testutil.MockAPIKeyRepo)
	keys := []domain.APIKey{
		{ID: "id1", Name: "name1", KeyPrefix: "shk_ab12", Active: true},
		{ID: "id2", Name: "name2", KeyPrefix: "shk_cd34", Active: false},
	}
	mockRepo.On("ListAPIKeys", "user1").Return(keys, nil)

	out := &bytes.Buffer{}
	if err := listKeys(mockRepo, "user1", out); err != nil {
		t.Fatalf("listKeys failed: %v", err)
	}

	if !bytes.Contains(out.Bytes(), []byte("id1")) || !bytes.Contains(out.Bytes(), []byte("revoked")) {
		t.Errorf("expected both keys in output, got %q", out.String())
	}
	mockRepo.AssertExpectations(t)
}

func TestRevokeKey(t *testing.T) {
	mockRepo := new(testutil.MockAPIKeyRepo)
	mockRepo.On("RevokeAPIKey", "user1", "id1").Return(nil)

	out := &bytes.Buffer{}
	if err := revokeKey(mockRepo, "user1", "id1", out); err != nil {
		t.Fatalf("revokeKey failed: %v", err)
	}

	if !bytes.Contains(out.Bytes(), []byte("revoked")) {
		t.Errorf("expected revocation message in output")
	}
	mockRepo.AssertExpectations(t)
}

func TestRevokeKey_NotFound(t *testing.T) {
	mockRepo := new(testutil.MockAPIKeyRepo)
	mockRepo.On("RevokeAPIKey", "user1", "missing").Return(domain.ErrAPIKeyNotFound)

	err := revokeKey(mockRepo, "user1", "missing", &bytes.Buffer{})
	if err == nil || err.Error() != "failed to revoke API key: api key not found" {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestRunCommand(t *testing.T) {
	mockRepo := new(testutil.MockAPIKeyRepo)
	out := &bytes.Buffer{}

	err := run([]string{"apikey"}, out, mockRepo)
	if err == nil || err.Error() != "expected 'create', 'list' or 'revoke' subcommands" {
		t.Errorf("Expected less than 2 args error, got: %v", err)
	}

	err = run([]string{"apikey", "unknown"}, out, mockRepo)
	if err == nil || err.Error() != "unknown subcommand: unknown" {
		t.Errorf("Expected unknown subcommand error, got: %v", err)
	}

	err = run([]string{"apikey", "create", "-bogus"}, out, mockRepo)
	if err == nil {
		t.Error("Expected flag parse error")
	}

	// Test create path
	mockRepo.On("CreateAPIKey", mock.AnythingOfType("*domain.APIKey")).Return(nil).Once()
	err = run([]string{"apikey", "create", "-user", "u1", "-name", "test", "-days", "30"}, out, mockRepo)
	if err != nil {
		t.Errorf("Unexpected error for create: %v", err)
	}

	// Test list path
	keys := []domain.APIKey{
		{ID: "id1", Name: "name1", KeyPrefix: "shk_ab12", Active: true},
	}
	mockRepo.On("ListAPIKeys", "u2").Return(keys, nil).Once()
	err = run([]string{"apikey", "list", "-user", "u2"}, out, mockRepo)
	if err != nil {
		t.Errorf("Unexpected error for list: %v", err)
	}

	// Test revoke path
	mockRepo.On("RevokeAPIKey", "u1", "id1").Return(nil).Once()
	err = run([]string{"apikey", "revoke", "-user", "u1", "-id", "id1"}, out, mockRepo)
	if err != nil {
		t.Errorf("Unexpected error for revoke: %v", err)
	}
	mockRepo.AssertExpectations(t)
}
