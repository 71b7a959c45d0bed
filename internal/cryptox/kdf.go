package cryptox

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Supported key derivation algorithms. The name is stored alongside the vault
// so a later release can switch defaults without breaking existing vaults.
const (
	AlgArgon2id     = "argon2id"
	AlgPBKDF2SHA256 = "pbkdf2-sha256"
)

const (
	// SaltLen is the size of freshly generated salts.
	SaltLen = 32
	// KeyLen is the size of every derived key.
	KeyLen = 32

	verifierInfo = "gophvault/verifier/v1"
)

// KDFParams describes how a key was (or will be) derived from a passphrase.
type KDFParams struct {
	Algorithm   string `json:"algorithm"`
	Iterations  uint32 `json:"iterations"`
	MemoryKiB   uint32 `json:"memory_kib,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
	KeyLen      uint32 `json:"key_len"`
}

// DefaultParams returns the parameters used for new vaults:
// argon2id, 3 passes over 64 MiB with 4 lanes.
func DefaultParams() KDFParams {
	return KDFParams{
		Algorithm:   AlgArgon2id,
		Iterations:  3,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      KeyLen,
	}
}

// PBKDF2Params returns the PBKDF2-HMAC-SHA256 alternative for platforms where
// a memory-hard function is too expensive.
func PBKDF2Params() KDFParams {
	return KDFParams{
		Algorithm:  AlgPBKDF2SHA256,
		Iterations: 600_000,
		KeyLen:     KeyLen,
	}
}

// Floor is the acceptable cost range for each algorithm. A zero ceiling
// means the matching Default* ceiling.
type Floor struct {
	Argon2MinIterations  uint32
	Argon2MinMemoryKiB   uint32
	Argon2MinParallelism uint8
	PBKDF2MinIterations  uint32
	MinSaltLen           int

	Argon2MaxIterations uint32
	Argon2MaxMemoryKiB  uint32
	PBKDF2MaxIterations uint32
}

// Ceilings applied when a Floor leaves them unset. Parameters read from a
// backup header are attacker controlled, so the cost of deriving with them
// has to be bounded.
const (
	DefaultArgon2MaxIterations = 16
	DefaultArgon2MaxMemoryKiB  = 1 << 20 // 1 GiB
	DefaultPBKDF2MaxIterations = 10_000_000
)

func (f Floor) argon2MaxIterations() uint32 {
	if f.Argon2MaxIterations == 0 {
		return DefaultArgon2MaxIterations
	}
	return f.Argon2MaxIterations
}

func (f Floor) argon2MaxMemoryKiB() uint32 {
	if f.Argon2MaxMemoryKiB == 0 {
		return DefaultArgon2MaxMemoryKiB
	}
	return f.Argon2MaxMemoryKiB
}

func (f Floor) pbkdf2MaxIterations() uint32 {
	if f.PBKDF2MaxIterations == 0 {
		return DefaultPBKDF2MaxIterations
	}
	return f.PBKDF2MaxIterations
}

// DefaultFloor follows the OWASP minimums for argon2id and PBKDF2-SHA256.
func DefaultFloor() Floor {
	return Floor{
		Argon2MinIterations:  1,
		Argon2MinMemoryKiB:   19 * 1024,
		Argon2MinParallelism: 1,
		PBKDF2MinIterations:  100_000,
		MinSaltLen:           16,
	}
}

// KeyDeriver is one derivation backend.
type KeyDeriver interface {
	Algorithm() string
	CheckFloor(p KDFParams, f Floor) error
	Derive(passphrase, salt []byte, p KDFParams) []byte
}

type argon2idDeriver struct{}

func (argon2idDeriver) Algorithm() string { return AlgArgon2id }

func (argon2idDeriver) CheckFloor(p KDFParams, f Floor) error {
	if p.Iterations < f.Argon2MinIterations {
		return fmt.Errorf("%w: argon2id iterations %d below %d", common.ErrParameter, p.Iterations, f.Argon2MinIterations)
	}
	if p.MemoryKiB < f.Argon2MinMemoryKiB {
		return fmt.Errorf("%w: argon2id memory %d KiB below %d KiB", common.ErrParameter, p.MemoryKiB, f.Argon2MinMemoryKiB)
	}
	if p.Parallelism < f.Argon2MinParallelism || p.Parallelism == 0 {
		return fmt.Errorf("%w: argon2id parallelism %d too low", common.ErrParameter, p.Parallelism)
	}
	if ceil := f.argon2MaxIterations(); p.Iterations > ceil {
		return fmt.Errorf("%w: argon2id iterations %d above %d", common.ErrParameter, p.Iterations, ceil)
	}
	if ceil := f.argon2MaxMemoryKiB(); p.MemoryKiB > ceil {
		return fmt.Errorf("%w: argon2id memory %d KiB above %d KiB", common.ErrParameter, p.MemoryKiB, ceil)
	}
	return nil
}

func (argon2idDeriver) Derive(passphrase, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(passphrase, salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLen)
}

type pbkdf2Deriver struct{}

func (pbkdf2Deriver) Algorithm() string { return AlgPBKDF2SHA256 }

func (pbkdf2Deriver) CheckFloor(p KDFParams, f Floor) error {
	if p.Iterations < f.PBKDF2MinIterations || p.Iterations == 0 {
		return fmt.Errorf("%w: pbkdf2 iterations %d below %d", common.ErrParameter, p.Iterations, f.PBKDF2MinIterations)
	}
	if ceil := f.pbkdf2MaxIterations(); p.Iterations > ceil {
		return fmt.Errorf("%w: pbkdf2 iterations %d above %d", common.ErrParameter, p.Iterations, ceil)
	}
	return nil
}

func (pbkdf2Deriver) Derive(passphrase, salt []byte, p KDFParams) []byte {
	return pbkdf2.Key(passphrase, salt, int(p.Iterations), int(p.KeyLen), sha256.New)
}

var derivers = map[string]KeyDeriver{
	AlgArgon2id:     argon2idDeriver{},
	AlgPBKDF2SHA256: pbkdf2Deriver{},
}

// KDF derives keys and verifiers, refusing parameters below its floor.
type KDF struct {
	floor Floor
}

// NewKDF returns a KDF enforcing the given floor.
func NewKDF(floor Floor) *KDF {
	return &KDF{floor: floor}
}

func (k *KDF) Floor() Floor {
	return k.floor
}

func (k *KDF) deriver(p KDFParams) (KeyDeriver, error) {
	d, ok := derivers[p.Algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kdf algorithm %q", common.ErrParameter, p.Algorithm)
	}
	return d, nil
}

// Validate checks p against the floor and ceilings without deriving anything.
func (k *KDF) Validate(p KDFParams) error {
	d, err := k.deriver(p)
	if err != nil {
		return err
	}
	if p.KeyLen != KeyLen {
		return fmt.Errorf("%w: key length %d, want %d", common.ErrParameter, p.KeyLen, KeyLen)
	}
	return d.CheckFloor(p, k.floor)
}

// Derive turns passphrase and salt into a KeyLen-byte key. The same inputs
// always give the same key. The caller owns the result and should wipe it.
func (k *KDF) Derive(passphrase, salt []byte, p KDFParams) ([]byte, error) {
	if err := k.Validate(p); err != nil {
		return nil, err
	}
	if len(salt) < k.floor.MinSaltLen {
		return nil, fmt.Errorf("%w: salt length %d below %d", common.ErrParameter, len(salt), k.floor.MinSaltLen)
	}
	d, _ := k.deriver(p)
	return d.Derive(passphrase, salt, p), nil
}

// DeriveContext is Derive that stops waiting once ctx is done. The
// derivation itself cannot be interrupted; it runs on private copies of
// passphrase and salt and its late result is wiped.
func (k *KDF) DeriveContext(ctx context.Context, passphrase, salt []byte, p KDFParams) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := k.Validate(p); err != nil {
		return nil, err
	}

	type result struct {
		key []byte
		err error
	}
	pass := append([]byte(nil), passphrase...)
	saltCopy := append([]byte(nil), salt...)
	done := make(chan result, 1)
	go func() {
		defer common.WipeByteArray(pass)
		key, err := k.Derive(pass, saltCopy, p)
		done <- result{key, err}
	}()

	select {
	case r := <-done:
		return r.key, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.key != nil {
				common.WipeByteArray(r.key)
			}
		}()
		return nil, ctx.Err()
	}
}

// Verify re-derives the key and compares its verifier in constant time.
// It never returns an error: any failure is reported as a mismatch.
func (k *KDF) Verify(passphrase, salt []byte, p KDFParams, verifier []byte) bool {
	key, err := k.Derive(passphrase, salt, p)
	if err != nil {
		return false
	}
	defer common.WipeByteArray(key)
	return VerifyKey(key, verifier)
}

// MigrationPlan tells IdentityCard how to move a vault from one set of KDF
// parameters to another.
type MigrationPlan struct {
	From          KDFParams
	To            KDFParams
	NewSalt       []byte
	ReKeyRequired bool
}

// RotateParameters validates the target parameters and returns the plan for
// moving to them. A passphrase change always gets a fresh salt, so ReKeyRequired
// is true whenever the resulting key can differ. No stored data is touched.
func (k *KDF) RotateParameters(from, to KDFParams) (MigrationPlan, error) {
	if err := k.Validate(to); err != nil {
		return MigrationPlan{}, err
	}
	return MigrationPlan{
		From:          from,
		To:            to,
		NewSalt:       NewSalt(),
		ReKeyRequired: true,
	}, nil
}

// NewSalt returns SaltLen random bytes.
func NewSalt() []byte {
	return common.GenerateRandByteArray(SaltLen)
}

// MakeVerifier returns a one-way transform of the derived key. It is an HKDF
// subkey, so knowing the verifier reveals nothing about the encryption key.
func MakeVerifier(key []byte) []byte {
	v, err := SubKey(key, verifierInfo, 32)
	if err != nil {
		panic(err)
	}
	return v
}

// VerifyKey reports whether key produces verifier.
func VerifyKey(key, verifier []byte) bool {
	candidate := MakeVerifier(key)
	return subtle.ConstantTimeCompare(candidate, verifier) == 1
}

// SubKey expands key into n bytes bound to the info label.
func SubKey(key []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	r := hkdf.New(sha256.New, key, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
