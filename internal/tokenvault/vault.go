package tokenvault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const descriptorName = "tanaka:auth-token"

// ErrSealed indicates sealed data that cannot be decoded.
var ErrSealed = errors.New("sealed token is malformed")

// Vault seals the sync credential with a root key kept in a kryptograf key store.
type Vault struct {
	storePath string
	log       pslog.Logger
}

// New initializes the key store and ensures the root key exists.
func New(storePath string) (*Vault, error) {
	return NewWithLogger(storePath, nil)
}

// NewWithLogger initializes the vault with logging.
func NewWithLogger(storePath string, logger pslog.Logger) (*Vault, error) {
	if strings.TrimSpace(storePath) == "" {
		return nil, fmt.Errorf("token key store path is required")
	}
	if err := EnsureKeyStoreWithLogger(storePath, logger); err != nil {
		return nil, err
	}
	return &Vault{storePath: storePath, log: logger}, nil
}

// Seal encrypts a token and returns it base64 encoded. Empty tokens stay empty.
func (v *Vault) Seal(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	return v.seal(token, false)
}

// Rotate mints a fresh data key and re-seals token with it.
func (v *Vault) Rotate(token string) (string, error) {
	return v.seal(token, true)
}

func (v *Vault) seal(token string, rotate bool) (string, error) {
	material, root, err := v.material(rotate)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	writer, err := kryptograf.New(root).EncryptWriter(&buf, material)
	if err != nil {
		v.warn("token seal failed", err)
		return "", err
	}
	if _, err := io.Copy(writer, strings.NewReader(token)); err != nil {
		_ = writer.Close()
		v.warn("token seal failed", err)
		return "", err
	}
	if err := writer.Close(); err != nil {
		v.warn("token seal failed", err)
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts a value produced by Seal.
func (v *Vault) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealed, err)
	}
	material, root, err := v.material(false)
	if err != nil {
		return "", err
	}
	reader, err := kryptograf.New(root).DecryptReader(bytes.NewReader(raw), material)
	if err != nil {
		v.warn("token open failed", err)
		return "", fmt.Errorf("%w: %v", ErrSealed, err)
	}
	defer func() { _ = reader.Close() }()
	plain, err := io.ReadAll(reader)
	if err != nil {
		v.warn("token open failed", err)
		return "", fmt.Errorf("%w: %v", ErrSealed, err)
	}
	return string(plain), nil
}

func (v *Vault) material(rotate bool) (keymgmt.Material, keymgmt.RootKey, error) {
	store, err := keymgmt.LoadProto(v.storePath)
	if err != nil {
		v.warn("token material load failed", err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		v.warn("token material load failed", err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	contextBytes := []byte(descriptorName)
	var material keymgmt.Material
	if rotate {
		material, err = keymgmt.MintDEK(root, contextBytes)
		if err != nil {
			v.warn("token material mint failed", err)
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
		if err := store.SetDescriptor(descriptorName, material.Descriptor); err != nil {
			v.warn("token material update failed", err)
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
	} else {
		material, err = store.EnsureDescriptor(descriptorName, root, contextBytes)
		if err != nil {
			v.warn("token material ensure failed", err)
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
	}
	if err := store.Commit(); err != nil {
		v.warn("token material commit failed", err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	return material, root, nil
}

func (v *Vault) warn(msg string, err error) {
	if v.log != nil {
		v.log.Warn(msg, "err", err)
	}
}
