package install

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // Using ProtonMail's maintained fork
	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
	"github.com/zeebo/blake3"
)

// newHash returns the hash function for algo
func newHash(algo formula.Algorithm) (hash.Hash, error) {
	switch algo {
	case formula.SHA256:
		return sha256.New(), nil
	case formula.SHA512:
		return sha512.New(), nil
	case formula.BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %q", algo)
	}
}

// ComputeDigest hashes the file at path with algo
func ComputeDigest(path string, algo formula.Algorithm) (formula.Digest, error) {
	hasher, err := newHash(algo)
	if err != nil {
		return formula.Digest{}, err
	}

	file, err := os.Open(path)
	if err != nil {
		return formula.Digest{}, err
	}
	defer file.Close()

	if _, err := io.Copy(hasher, file); err != nil {
		return formula.Digest{}, err
	}
	return formula.Digest{Algorithm: algo, Hex: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// Verify checks the staged artifact against the expected digest. A
// placeholder expected digest is an UnverifiedFormulaError, never a pass.
// The comparison is exact over the full digest.
func Verify(artifact *StagedArtifact, expected formula.Digest) error {
	if expected.IsPlaceholder() {
		return &UnverifiedFormulaError{Digest: expected}
	}
	if err := expected.Validate(); err != nil {
		return fmt.Errorf("invalid expected digest: %w", err)
	}

	actual := artifact.Digest
	if actual.Algorithm != expected.Algorithm {
		var err error
		actual, err = ComputeDigest(artifact.Path, expected.Algorithm)
		if err != nil {
			return fmt.Errorf("calculate checksum: %w", err)
		}
	}

	if !actual.Equal(expected) {
		return &IntegrityError{Expected: expected, Actual: actual}
	}
	return nil
}

// VerifySignature checks a detached OpenPGP signature, armored or binary,
// over the file at artifactPath against the keyring at keyringPath.
func VerifySignature(artifactPath, signaturePath, keyringPath string) error {
	keyring, err := loadKeyring(keyringPath)
	if err != nil {
		return &SignatureError{Keyring: keyringPath, Err: fmt.Errorf("load keyring: %w", err)}
	}

	artifactFile, err := os.Open(artifactPath)
	if err != nil {
		return &SignatureError{Keyring: keyringPath, Err: fmt.Errorf("open artifact: %w", err)}
	}
	defer artifactFile.Close()

	sigFile, err := os.Open(signaturePath)
	if err != nil {
		return &SignatureError{Keyring: keyringPath, Err: fmt.Errorf("open signature: %w", err)}
	}
	defer sigFile.Close()

	// Try armored first
	_, err = openpgp.CheckArmoredDetachedSignature(keyring, artifactFile, sigFile, nil)
	if err != nil {
		artifactFile.Seek(0, io.SeekStart)
		sigFile.Seek(0, io.SeekStart)
		_, err = openpgp.CheckDetachedSignature(keyring, artifactFile, sigFile, nil)
	}
	if err != nil {
		return &SignatureError{Keyring: keyringPath, Err: fmt.Errorf("verify signature: %w", err)}
	}
	return nil
}

// loadKeyring reads an armored or binary public keyring
func loadKeyring(path string) (openpgp.EntityList, error) {
	keyringFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	defer keyringFile.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(keyringFile)
	if err != nil {
		// Try reading as non-armored keyring
		keyringFile.Seek(0, io.SeekStart)
		keyring, err = openpgp.ReadKeyRing(keyringFile)
		if err != nil {
			return nil, fmt.Errorf("read keyring: %w", err)
		}
	}

	if len(keyring) == 0 {
		return nil, fmt.Errorf("keyring is empty")
	}
	return keyring, nil
}
