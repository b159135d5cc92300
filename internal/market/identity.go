package market

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
)

// LoadIdentity decrypts the first key file (by directory listing order) in
// keyDir and returns the consumer address it holds. The address is used as
// the owner/consumer filter on marketplace list calls.
func LoadIdentity(keyDir, password string) (common.Address, error) {
	entries, err := os.ReadDir(keyDir)
	if err != nil {
		return common.Address{}, fmt.Errorf("read key dir: %w", err)
	}

	var keyFile string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		keyFile = filepath.Join(keyDir, entry.Name())
		break
	}
	if keyFile == "" {
		return common.Address{}, fmt.Errorf("no key files in %s", keyDir)
	}

	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return common.Address{}, fmt.Errorf("read key file: %w", err)
	}
	key, err := keystore.DecryptKey(raw, password)
	if err != nil {
		return common.Address{}, fmt.Errorf("decrypt key %s: %w", filepath.Base(keyFile), err)
	}
	return key.Address, nil
}
