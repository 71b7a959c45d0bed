package cryptox

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKDF() *KDF {
	return NewKDF(Floor{
		Argon2MinIterations:  1,
		Argon2MinMemoryKiB:   8,
		Argon2MinParallelism: 1,
		PBKDF2MinIterations:  1,
		MinSaltLen:           16,
	})
}

func cheapArgon() KDFParams {
	return KDFParams{Algorithm: AlgArgon2id, Iterations: 1, MemoryKiB: 64, Parallelism: 1, KeyLen: KeyLen}
}

func cheapPBKDF2() KDFParams {
	return KDFParams{Algorithm: AlgPBKDF2SHA256, Iterations: 10, KeyLen: KeyLen}
}

func TestDerive_Deterministic(t *testing.T) {
	k := testKDF()
	salt := bytes.Repeat([]byte{7}, SaltLen)

	for _, p := range []KDFParams{cheapArgon(), cheapPBKDF2()} {
		t.Run(p.Algorithm, func(t *testing.T) {
			key1, err := k.Derive([]byte("secret-password"), salt, p)
			require.NoError(t, err)
			key2, err := k.Derive([]byte("secret-password"), salt, p)
			require.NoError(t, err)

			assert.Len(t, key1, KeyLen)
			assert.Equal(t, key1, key2)
		})
	}
}

func TestDerive_DifferentInputs(t *testing.T) {
	k := testKDF()
	p := cheapArgon()

	key1, err := k.Derive([]byte("secret-password"), bytes.Repeat([]byte{1}, SaltLen), p)
	require.NoError(t, err)
	key2, err := k.Derive([]byte("secret-password"), bytes.Repeat([]byte{2}, SaltLen), p)
	require.NoError(t, err)
	key3, err := k.Derive([]byte("other-password"), bytes.Repeat([]byte{1}, SaltLen), p)
	require.NoError(t, err)

	assert.NotEqual(t, key1, key2)
	assert.NotEqual(t, key1, key3)
}

func TestDerive_BelowFloor(t *testing.T) {
	k := NewKDF(DefaultFloor())
	salt := NewSalt()

	tests := []struct {
		name string
		p    KDFParams
		salt []byte
	}{
		{name: "argon2 memory", p: KDFParams{Algorithm: AlgArgon2id, Iterations: 3, MemoryKiB: 1024, Parallelism: 1, KeyLen: KeyLen}, salt: salt},
		{name: "argon2 iterations", p: KDFParams{Algorithm: AlgArgon2id, Iterations: 0, MemoryKiB: 64 * 1024, Parallelism: 1, KeyLen: KeyLen}, salt: salt},
		{name: "argon2 parallelism", p: KDFParams{Algorithm: AlgArgon2id, Iterations: 1, MemoryKiB: 64 * 1024, Parallelism: 0, KeyLen: KeyLen}, salt: salt},
		{name: "pbkdf2 iterations", p: KDFParams{Algorithm: AlgPBKDF2SHA256, Iterations: 1000, KeyLen: KeyLen}, salt: salt},
		{name: "short salt", p: PBKDF2Params(), salt: []byte("short")},
		{name: "unknown algorithm", p: KDFParams{Algorithm: "md5", Iterations: 1, KeyLen: KeyLen}, salt: salt},
		{name: "key length", p: KDFParams{Algorithm: AlgPBKDF2SHA256, Iterations: 600_000, KeyLen: 16}, salt: salt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := k.Derive([]byte("pw"), tt.salt, tt.p)
			require.ErrorIs(t, err, common.ErrParameter)
		})
	}
}

func TestDerive_AboveCeiling(t *testing.T) {
	salt := NewSalt()

	tests := []struct {
		name  string
		floor Floor
		p     KDFParams
	}{
		{name: "argon2 iterations", floor: DefaultFloor(), p: KDFParams{Algorithm: AlgArgon2id, Iterations: 1 << 30, MemoryKiB: 64 * 1024, Parallelism: 1, KeyLen: KeyLen}},
		{name: "argon2 memory", floor: DefaultFloor(), p: KDFParams{Algorithm: AlgArgon2id, Iterations: 3, MemoryKiB: 1<<32 - 1, Parallelism: 1, KeyLen: KeyLen}},
		{name: "pbkdf2 iterations", floor: DefaultFloor(), p: KDFParams{Algorithm: AlgPBKDF2SHA256, Iterations: 1<<32 - 1, KeyLen: KeyLen}},
		{name: "explicit argon2 ceiling", floor: Floor{Argon2MinIterations: 1, Argon2MinMemoryKiB: 8, Argon2MinParallelism: 1, MinSaltLen: 16, Argon2MaxMemoryKiB: 32}, p: cheapArgon()},
		{name: "explicit pbkdf2 ceiling", floor: Floor{PBKDF2MinIterations: 1, MinSaltLen: 16, PBKDF2MaxIterations: 5}, p: cheapPBKDF2()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := NewKDF(tt.floor)
			require.ErrorIs(t, k.Validate(tt.p), common.ErrParameter)
			_, err := k.Derive([]byte("pw"), salt, tt.p)
			require.ErrorIs(t, err, common.ErrParameter)
		})
	}
}

func TestDeriveContext(t *testing.T) {
	k := testKDF()
	salt := NewSalt()

	want, err := k.Derive([]byte("pw"), salt, cheapArgon())
	require.NoError(t, err)
	got, err := k.DeriveContext(context.Background(), []byte("pw"), salt, cheapArgon())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = k.DeriveContext(cancelled, []byte("pw"), salt, cheapArgon())
	require.ErrorIs(t, err, context.Canceled)

	_, err = k.DeriveContext(context.Background(), []byte("pw"), salt, KDFParams{Algorithm: AlgPBKDF2SHA256, Iterations: 1 << 31, KeyLen: KeyLen})
	require.ErrorIs(t, err, common.ErrParameter)
}

func TestDeriveContext_StopsWaitingOnDeadline(t *testing.T) {
	k := NewKDF(DefaultFloor())
	slow := KDFParams{Algorithm: AlgPBKDF2SHA256, Iterations: DefaultPBKDF2MaxIterations, KeyLen: KeyLen}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := k.DeriveContext(ctx, []byte("pw"), NewSalt(), slow)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDefaults_PassDefaultFloor(t *testing.T) {
	k := NewKDF(DefaultFloor())
	require.NoError(t, k.Validate(DefaultParams()))
	require.NoError(t, k.Validate(PBKDF2Params()))
}

func TestVerify(t *testing.T) {
	k := testKDF()
	p := cheapArgon()
	salt := NewSalt()

	key, err := k.Derive([]byte("correct-horse"), salt, p)
	require.NoError(t, err)
	verifier := MakeVerifier(key)

	assert.NotEqual(t, key, verifier, "verifier must differ from the key")
	assert.True(t, k.Verify([]byte("correct-horse"), salt, p, verifier))
	assert.False(t, k.Verify([]byte("wrong-pw"), salt, p, verifier))
	assert.False(t, k.Verify([]byte("correct-horse"), salt, p, verifier[:8]))
	assert.False(t, k.Verify([]byte("correct-horse"), salt, KDFParams{Algorithm: "nope"}, verifier))
}

func TestRotateParameters(t *testing.T) {
	k := testKDF()

	plan, err := k.RotateParameters(cheapArgon(), cheapPBKDF2())
	require.NoError(t, err)
	assert.True(t, plan.ReKeyRequired)
	assert.Len(t, plan.NewSalt, SaltLen)
	assert.Equal(t, AlgPBKDF2SHA256, plan.To.Algorithm)

	_, err = NewKDF(DefaultFloor()).RotateParameters(DefaultParams(), cheapArgon())
	require.ErrorIs(t, err, common.ErrParameter)
}

func TestSubKey_LabelsSeparate(t *testing.T) {
	key := bytes.Repeat([]byte{3}, KeyLen)
	a, err := SubKey(key, "a", 32)
	require.NoError(t, err)
	b, err := SubKey(key, "b", 32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func ciphers(t *testing.T) []AEAD {
	t.Helper()
	var out []AEAD
	for _, name := range []string{AlgAES256GCM, AlgXChaCha20Poly1305} {
		c, err := NewAEAD(name)
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func TestAEAD_RoundTrip(t *testing.T) {
	key := common.GenerateRandByteArray(KeyLen)
	for _, c := range ciphers(t) {
		t.Run(c.Algorithm(), func(t *testing.T) {
			for _, pt := range [][]byte{{}, []byte("s3cr3t!"), bytes.Repeat([]byte("x"), 4096)} {
				s, err := c.Seal(key, pt, []byte("aad"))
				require.NoError(t, err)
				assert.Len(t, s.Tag, TagSize)

				got, err := c.Open(key, s, []byte("aad"))
				require.NoError(t, err)
				assert.True(t, bytes.Equal(pt, got))
			}
		})
	}
}

func TestAEAD_WrongKeyOrAAD(t *testing.T) {
	key := common.GenerateRandByteArray(KeyLen)
	other := common.GenerateRandByteArray(KeyLen)
	for _, c := range ciphers(t) {
		t.Run(c.Algorithm(), func(t *testing.T) {
			s, err := c.Seal(key, []byte("payload"), []byte("id-1"))
			require.NoError(t, err)

			_, err = c.Open(other, s, []byte("id-1"))
			require.ErrorIs(t, err, common.ErrAuthenticationFailure)

			_, err = c.Open(key, s, []byte("id-2"))
			require.ErrorIs(t, err, common.ErrAuthenticationFailure)

			_, err = c.Open([]byte("short"), s, []byte("id-1"))
			require.ErrorIs(t, err, common.ErrAuthenticationFailure)
		})
	}
}

func TestAEAD_BitFlipDetected(t *testing.T) {
	key := common.GenerateRandByteArray(KeyLen)
	for _, c := range ciphers(t) {
		t.Run(c.Algorithm(), func(t *testing.T) {
			s, err := c.Seal(key, []byte("github.com/alice"), nil)
			require.NoError(t, err)

			fields := map[string][]byte{"nonce": s.Nonce, "ciphertext": s.Ciphertext, "tag": s.Tag}
			for name, field := range fields {
				for i := 0; i < len(field)*8; i++ {
					field[i/8] ^= 1 << (i % 8)
					_, err := c.Open(key, s, nil)
					field[i/8] ^= 1 << (i % 8)
					require.ErrorIs(t, err, common.ErrAuthenticationFailure, "%s bit %d", name, i)
				}
			}

			_, err = c.Open(key, s, nil)
			require.NoError(t, err, "restored payload must open again")
		})
	}
}

func TestAEAD_NoncesUnique(t *testing.T) {
	const samples = 10_000
	key := common.GenerateRandByteArray(KeyLen)
	for _, c := range ciphers(t) {
		t.Run(c.Algorithm(), func(t *testing.T) {
			seen := make(map[string]struct{}, samples)
			for i := 0; i < samples; i++ {
				s, err := c.Seal(key, []byte("same plaintext"), nil)
				require.NoError(t, err)
				_, dup := seen[string(s.Nonce)]
				require.False(t, dup, "nonce repeated after %d seals", i)
				seen[string(s.Nonce)] = struct{}{}
			}
		})
	}
}

func TestNewAEAD_Unknown(t *testing.T) {
	_, err := NewAEAD("rot13")
	require.ErrorIs(t, err, common.ErrParameter)
}

func TestEncryptJSON_RoundTrip(t *testing.T) {
	type secret struct {
		Password string `json:"password"`
		Notes    string `json:"notes"`
	}

	key := common.GenerateRandByteArray(KeyLen)
	c, err := NewAEAD(AlgAES256GCM)
	require.NoError(t, err)

	in := secret{Password: "s3cr3t!", Notes: "work"}
	s, err := EncryptJSON(c, key, in, []byte("entry-1"))
	require.NoError(t, err)

	var out secret
	require.NoError(t, DecryptJSON(c, key, s, []byte("entry-1"), &out))
	assert.Equal(t, in, out)

	var wrong secret
	err = DecryptJSON(c, common.GenerateRandByteArray(KeyLen), s, []byte("entry-1"), &wrong)
	require.ErrorIs(t, err, common.ErrAuthenticationFailure)
}

func TestEncryptFile(t *testing.T) {
	for _, alg := range []string{AlgAES256GCM, AlgXChaCha20Poly1305} {
		t.Run(alg, func(t *testing.T) {
			c, err := NewAEAD(alg)
			require.NoError(t, err)
			kek := common.GenerateRandByteArray(KeyLen)
			data := bytes.Repeat([]byte("scan of a passport "), 100)

			f, err := EncryptFile(c, kek, data, []byte("att-1"))
			require.NoError(t, err)
			assert.NotContains(t, string(f.Data.Ciphertext), "passport")

			out, err := DecryptFile(c, kek, *f, []byte("att-1"))
			require.NoError(t, err)
			assert.Equal(t, data, out)

			_, err = DecryptFile(c, kek, *f, []byte("att-2"))
			require.ErrorIs(t, err, common.ErrAuthenticationFailure)
			_, err = DecryptFile(c, common.GenerateRandByteArray(KeyLen), *f, []byte("att-1"))
			require.ErrorIs(t, err, common.ErrAuthenticationFailure)

			swapped := EncryptedFile{WrappedKey: f.Data, Data: f.WrappedKey}
			_, err = DecryptFile(c, kek, swapped, []byte("att-1"))
			require.ErrorIs(t, err, common.ErrAuthenticationFailure)
		})
	}
}

func TestRewrapFileKey(t *testing.T) {
	c, err := NewAEAD(AlgAES256GCM)
	require.NoError(t, err)
	oldKEK := common.GenerateRandByteArray(KeyLen)
	newKEK := common.GenerateRandByteArray(KeyLen)

	f, err := EncryptFile(c, oldKEK, []byte("contract.pdf bytes"), []byte("att-1"))
	require.NoError(t, err)

	wrapped, err := RewrapFileKey(c, oldKEK, newKEK, f.WrappedKey, []byte("att-1"))
	require.NoError(t, err)
	moved := EncryptedFile{WrappedKey: wrapped, Data: f.Data}

	out, err := DecryptFile(c, newKEK, moved, []byte("att-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("contract.pdf bytes"), out)

	_, err = DecryptFile(c, oldKEK, moved, []byte("att-1"))
	require.ErrorIs(t, err, common.ErrAuthenticationFailure)

	_, err = RewrapFileKey(c, newKEK, oldKEK, f.WrappedKey, []byte("att-1"))
	require.ErrorIs(t, err, common.ErrAuthenticationFailure)
}
