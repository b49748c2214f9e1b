// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef" // 32 bytes

func testData(expiresAt time.Time) *Data {
	return &Data{
		User: User{
			ID:        "user_01",
			Email:     "ada@example.com",
			Name:      "Ada Lovelace",
			AvatarURL: "https://cdn.example.com/ada.png",
		},
		Orgs: []OrgClaim{
			{ID: "org_01", Role: "admin"},
			{ID: "org_02", Role: "member"},
		},
		AccessToken:      "at_secret",
		RefreshToken:     "rt_secret",
		IDToken:          "header.payload.sig",
		IDTokenExpiresAt: expiresAt.Add(-time.Hour).UnixMilli(),
		ExpiresAt:        expiresAt,
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	codec, err := NewCodec(testSecret)
	require.NoError(t, err)

	want := testData(time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond))

	token, err := codec.Encrypt(want)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got := codec.Decrypt(token)
	require.NotNil(t, got)
	assert.Equal(t, want.User, got.User)
	assert.Equal(t, want.Orgs, got.Orgs)
	assert.Equal(t, want.AccessToken, got.AccessToken)
	assert.Equal(t, want.RefreshToken, got.RefreshToken)
	assert.Equal(t, want.IDToken, got.IDToken)
	assert.Equal(t, want.IDTokenExpiresAt, got.IDTokenExpiresAt)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
}

func TestTamperedTokenFailsClosed(t *testing.T) {
	t.Parallel()

	codec, err := NewCodec(testSecret)
	require.NoError(t, err)

	token, err := codec.Encrypt(testData(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)

	// Flip one bit at every position; decryption must return nil each time,
	// never panic or yield corrupted data.
	for i := range raw {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[i] ^= 0x01
		assert.Nil(t, codec.Decrypt(base64.RawURLEncoding.EncodeToString(mutated)),
			"mutation at byte %d must fail closed", i)
	}
}

func TestDecryptGarbage(t *testing.T) {
	t.Parallel()

	codec, err := NewCodec(testSecret)
	require.NoError(t, err)

	for _, token := range []string{
		"",
		"not base64 !!!",
		"c2hvcnQ", // valid base64, shorter than a nonce
		base64.RawURLEncoding.EncodeToString(make([]byte, 64)),
	} {
		assert.Nil(t, codec.Decrypt(token))
	}
}

func TestEmbeddedExpiryHonored(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	codec, err := NewCodec(testSecret, WithCodecClock(func() time.Time { return now }))
	require.NoError(t, err)

	token, err := codec.Encrypt(testData(now.Add(time.Minute)))
	require.NoError(t, err)

	require.NotNil(t, codec.Decrypt(token))

	// A replayed cookie is rejected once the payload expiry passes, even
	// though the ciphertext is still authentic.
	now = now.Add(2 * time.Minute)
	assert.Nil(t, codec.Decrypt(token))
}

func TestDifferentSecretsCannotDecrypt(t *testing.T) {
	t.Parallel()

	codecA, err := NewCodec(testSecret)
	require.NoError(t, err)
	codecB, err := NewCodec("fedcba9876543210fedcba9876543210")
	require.NoError(t, err)

	token, err := codecA.Encrypt(testData(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	assert.Nil(t, codecB.Decrypt(token))
}

func TestShortSecretRejected(t *testing.T) {
	t.Parallel()

	_, err := NewCodec("too-short")
	require.Error(t, err)
}

func TestNeedsRefresh(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		data Data
		want bool
	}{
		{"no id token", Data{}, true},
		{"expired id token", Data{IDToken: "x", IDTokenExpiresAt: now.Add(-time.Minute).UnixMilli()}, true},
		{"valid id token", Data{IDToken: "x", IDTokenExpiresAt: now.Add(time.Hour).UnixMilli()}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.data.NeedsRefresh(now))
		})
	}
}
