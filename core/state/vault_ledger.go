package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"stablevault/native/vault"
	"stablevault/storage"
)

var (
	collateralPrefix = []byte("vault/collateral/")
	debtPrefix       = []byte("vault/debt/")
)

func collateralKey(owner, asset common.Address) []byte {
	buf := make([]byte, 0, len(collateralPrefix)+2*common.AddressLength)
	buf = append(buf, collateralPrefix...)
	buf = append(buf, owner.Bytes()...)
	buf = append(buf, asset.Bytes()...)
	return ethcrypto.Keccak256(buf)
}

func debtKey(owner common.Address) []byte {
	buf := make([]byte, 0, len(debtPrefix)+common.AddressLength)
	buf = append(buf, debtPrefix...)
	buf = append(buf, owner.Bytes()...)
	return ethcrypto.Keccak256(buf)
}

// VaultLedger persists collateral and debt rows in a key/value database.
// Amounts are stored as RLP encoded 256-bit integers; zero rows are deleted.
type VaultLedger struct {
	db storage.Database
}

// NewVaultLedger binds a ledger to db.
func NewVaultLedger(db storage.Database) *VaultLedger {
	return &VaultLedger{db: db}
}

func (l *VaultLedger) GetCollateral(owner, asset common.Address) (*big.Int, error) {
	return l.load(collateralKey(owner, asset))
}

func (l *VaultLedger) GetDebt(owner common.Address) (*big.Int, error) {
	return l.load(debtKey(owner))
}

// Commit validates every change before writing any of them, then applies the
// set as one batch.
func (l *VaultLedger) Commit(changes []vault.Change) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("vault ledger: database unavailable")
	}
	batch := storage.NewBatch()
	for _, change := range changes {
		var key []byte
		switch change.Kind {
		case vault.CollateralRow:
			key = collateralKey(change.Owner, change.Asset)
		case vault.DebtRow:
			key = debtKey(change.Owner)
		default:
			return fmt.Errorf("vault ledger: unknown row kind %d", change.Kind)
		}
		if change.Amount == nil || change.Amount.Sign() == 0 {
			batch.Delete(key)
			continue
		}
		if change.Amount.Sign() < 0 {
			return fmt.Errorf("vault ledger: negative amount for %s", change.Owner.Hex())
		}
		amount, overflow := uint256.FromBig(change.Amount)
		if overflow {
			return fmt.Errorf("vault ledger: amount overflow for %s", change.Owner.Hex())
		}
		encoded, err := rlp.EncodeToBytes(amount)
		if err != nil {
			return fmt.Errorf("vault ledger: encode amount: %w", err)
		}
		batch.Put(key, encoded)
	}
	return l.db.Write(batch)
}

func (l *VaultLedger) load(key []byte) (*big.Int, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("vault ledger: database unavailable")
	}
	raw, err := l.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	amount := new(uint256.Int)
	if err := rlp.DecodeBytes(raw, amount); err != nil {
		return nil, fmt.Errorf("vault ledger: decode amount: %w", err)
	}
	return amount.ToBig(), nil
}
