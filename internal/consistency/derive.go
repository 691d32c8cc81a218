package consistency

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultMaxShiftDays bounds date-shift offsets to one year either way.
	DefaultMaxShiftDays = 365

	masterKeySize        = 32
	saltSize             = 32
	passphraseIterations = 210000
)

var ErrNoMasterKey = errors.New("no master key configured")

// Deriver produces the initial state for a never-seen patient key.
type Deriver interface {
	Derive(patientKey string) (State, error)
}

// RandomDeriver draws fresh random parameters per patient key. Offsets
// are never zero. Determinism then rests entirely on the Store, so this
// deriver suits single-process runs backed by MemoryStore or any run
// backed by a persistent store.
type RandomDeriver struct {
	MaxShiftDays int
	WeekAligned  bool
}

func (d RandomDeriver) Derive(patientKey string) (State, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return State{}, fmt.Errorf("failed to generate hash salt: %w", err)
	}
	var buf [9]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return State{}, fmt.Errorf("failed to generate shift offset: %w", err)
	}
	return State{
		PatientKey:    patientKey,
		DateShiftDays: shiftFromBytes(buf, d.MaxShiftDays, d.WeekAligned),
		HashSalt:      salt,
	}, nil
}

// KeyedDeriver expands a shared master key with HKDF, so two processes
// holding the same key derive identical state for the same patient key
// even without a shared store.
type KeyedDeriver struct {
	key          []byte
	MaxShiftDays int
	WeekAligned  bool
}

func NewKeyedDeriver(masterKey []byte, maxShiftDays int, weekAligned bool) (*KeyedDeriver, error) {
	if len(masterKey) != masterKeySize {
		return nil, fmt.Errorf("master key must be exactly %d bytes, got %d", masterKeySize, len(masterKey))
	}
	key := make([]byte, masterKeySize)
	copy(key, masterKey)
	return &KeyedDeriver{key: key, MaxShiftDays: maxShiftDays, WeekAligned: weekAligned}, nil
}

func (d *KeyedDeriver) Derive(patientKey string) (State, error) {
	salt := make([]byte, saltSize)
	r := hkdf.New(sha256.New, d.key, nil, []byte("deidentify:salt:"+patientKey))
	if _, err := io.ReadFull(r, salt); err != nil {
		return State{}, fmt.Errorf("failed to derive hash salt: %w", err)
	}
	var buf [9]byte
	r = hkdf.New(sha256.New, d.key, nil, []byte("deidentify:shift:"+patientKey))
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return State{}, fmt.Errorf("failed to derive shift offset: %w", err)
	}
	return State{
		PatientKey:    patientKey,
		DateShiftDays: shiftFromBytes(buf, d.MaxShiftDays, d.WeekAligned),
		HashSalt:      salt,
	}, nil
}

// shiftFromBytes maps 9 bytes of entropy onto a nonzero offset within
// the configured bound. Week alignment restricts offsets to multiples
// of 7 so shifted dates keep their weekday.
func shiftFromBytes(buf [9]byte, maxDays int, weekAligned bool) int {
	if maxDays <= 0 {
		maxDays = DefaultMaxShiftDays
	}
	steps, unit := maxDays, 1
	if weekAligned {
		steps, unit = maxDays/7, 7
		if steps < 1 {
			steps = 1
		}
	}
	v := binary.BigEndian.Uint64(buf[:8])
	days := (int(v%uint64(steps)) + 1) * unit
	if buf[8]&1 == 1 {
		days = -days
	}
	return days
}

// LoadMasterKey resolves the master key for keyed derivation. A
// hex-encoded DEID_MASTER_KEY wins; otherwise DEID_MASTER_PASSPHRASE is
// stretched with PBKDF2. The stretch salt is a fixed label: separate
// processes must arrive at the same key from the same passphrase.
func LoadMasterKey() ([]byte, error) {
	if envKey := os.Getenv("DEID_MASTER_KEY"); envKey != "" {
		key, err := hex.DecodeString(envKey)
		if err != nil {
			return nil, fmt.Errorf("DEID_MASTER_KEY must be a valid hex string: %v", err)
		}
		if len(key) != masterKeySize {
			return nil, errors.New("DEID_MASTER_KEY must be exactly 32 bytes (64 hex characters)")
		}
		return key, nil
	}
	if pass := os.Getenv("DEID_MASTER_PASSPHRASE"); pass != "" {
		return pbkdf2.Key([]byte(pass), []byte("deidentify.v1"), passphraseIterations, masterKeySize, sha256.New), nil
	}
	return nil, ErrNoMasterKey
}
