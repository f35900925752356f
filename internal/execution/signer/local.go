package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EnvPrivateKey           = "VAULT_PRIVATE_KEY"
	EnvPrivateKeyFile       = "VAULT_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "VAULT_KEYSTORE_PATH"
	EnvKeystorePassword     = "VAULT_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "VAULT_KEYSTORE_PASSWORD_FILE"

	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultPrivateKeyRelativePath = "vault/key.hex"
	defaultPrivateKeyHintPath     = "~/.config/vault/key.hex"
)

type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	source     string
}

var _ TxSigner = (*LocalSigner)(nil)

func (s *LocalSigner) Address() common.Address {
	return s.address
}

// Source names where the key came from: flag, env, file or keystore.
func (s *LocalSigner) Source() string {
	return s.source
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
}

func NewLocalSignerFromEnv(source string) (*LocalSigner, error) {
	return NewLocalSignerFromInputs(source, "")
}

// NewLocalSignerFromInputs loads the key allowed by source. A non-empty override
// (the --private-key flag) wins over every other input.
func NewLocalSignerFromInputs(source, privateKeyOverride string) (*LocalSigner, error) {
	if override := strings.TrimSpace(privateKeyOverride); override != "" {
		return newLocalSigner(LocalSignerConfig{PrivateKeyHex: override}, "flag")
	}
	cfg, err := envKeyConfig().restrictTo(source)
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(cfg)
}

type LocalSignerConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

func envKeyConfig() LocalSignerConfig {
	cfg := LocalSignerConfig{
		PrivateKeyHex:        strings.TrimSpace(os.Getenv(EnvPrivateKey)),
		PrivateKeyFile:       strings.TrimSpace(os.Getenv(EnvPrivateKeyFile)),
		KeystorePath:         strings.TrimSpace(os.Getenv(EnvKeystorePath)),
		KeystorePassword:     strings.TrimSpace(os.Getenv(EnvKeystorePassword)),
		KeystorePasswordFile: strings.TrimSpace(os.Getenv(EnvKeystorePasswordFile)),
	}
	if cfg.PrivateKeyFile == "" {
		cfg.PrivateKeyFile = discoverDefaultPrivateKeyFile()
	}
	return cfg
}

// restrictTo keeps only the inputs a key source may read. Auto keeps all of them and
// lets NewLocalSigner apply its precedence.
func (c LocalSignerConfig) restrictTo(source string) (LocalSignerConfig, error) {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", KeySourceAuto:
		return c, nil
	case KeySourceEnv:
		return LocalSignerConfig{PrivateKeyHex: c.PrivateKeyHex}, nil
	case KeySourceFile:
		return LocalSignerConfig{PrivateKeyFile: c.PrivateKeyFile}, nil
	case KeySourceKeystore:
		return LocalSignerConfig{
			KeystorePath:         c.KeystorePath,
			KeystorePassword:     c.KeystorePassword,
			KeystorePasswordFile: c.KeystorePasswordFile,
		}, nil
	default:
		return LocalSignerConfig{}, fmt.Errorf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
	}
}

// NewLocalSigner loads the first configured key: hex, then key file, then keystore.
func NewLocalSigner(cfg LocalSignerConfig) (*LocalSigner, error) {
	switch {
	case strings.TrimSpace(cfg.PrivateKeyHex) != "":
		return newLocalSigner(cfg, KeySourceEnv)
	case strings.TrimSpace(cfg.PrivateKeyFile) != "":
		return newLocalSigner(cfg, KeySourceFile)
	case strings.TrimSpace(cfg.KeystorePath) != "":
		return newLocalSigner(cfg, KeySourceKeystore)
	default:
		return nil, fmt.Errorf("missing signing key: put a hex key in %s, set %s or %s, or pass --private-key", defaultPrivateKeyHintPath, EnvPrivateKey, EnvKeystorePath)
	}
}

func newLocalSigner(cfg LocalSignerConfig, source string) (*LocalSigner, error) {
	var (
		pk  *ecdsa.PrivateKey
		err error
	)
	switch source {
	case KeySourceFile:
		pk, err = readHexKeyFile(cfg.PrivateKeyFile)
	case KeySourceKeystore:
		pk, err = readKeystore(cfg.KeystorePath, cfg.KeystorePassword, cfg.KeystorePasswordFile)
	default:
		pk, err = parseHexKey(cfg.PrivateKeyHex)
	}
	if err != nil {
		return nil, err
	}
	return &LocalSigner{privateKey: pk, address: crypto.PubkeyToAddress(pk.PublicKey), source: source}, nil
}

func readHexKeyFile(path string) (*ecdsa.PrivateKey, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key file: %w", err)
	}
	return parseHexKey(string(buf))
}

func readKeystore(path, password, passwordFile string) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(password) == "" && strings.TrimSpace(passwordFile) != "" {
		buf, err := os.ReadFile(passwordFile)
		if err != nil {
			return nil, fmt.Errorf("read keystore password file: %w", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("keystore password is required (%s or %s)", EnvKeystorePassword, EnvKeystorePasswordFile)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore file: %w", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, fmt.Errorf("empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}

func defaultPrivateKeyPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, defaultPrivateKeyRelativePath)
}

// discoverDefaultPrivateKeyFile returns the default key path only when a file exists there.
func discoverDefaultPrivateKeyFile() string {
	path := defaultPrivateKeyPath()
	if path == "" {
		return ""
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}
