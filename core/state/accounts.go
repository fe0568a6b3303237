package state

import (
	"fmt"
	"math/big"
	"sort"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"raftex/core/types"
)

var accountMetadataPrefix = []byte("account-meta:")

// accountMetadataVersion tags the current layout of the metadata payload.
// Decoding dispatches on the stored tag so later layouts can migrate old
// records on read instead of requiring an offline rewrite.
const accountMetadataVersion uint8 = 1

type versionedPayload struct {
	Version uint8
	Payload []byte
}

type tokenBalance struct {
	Symbol string
	Amount *big.Int
}

type accountMetadataV1 struct {
	Tokens []tokenBalance
}

func accountStateKey(addr []byte) []byte {
	return ethcrypto.Keccak256(addr)
}

func accountMetadataKey(addr []byte) []byte {
	buf := make([]byte, len(accountMetadataPrefix)+len(addr))
	copy(buf, accountMetadataPrefix)
	copy(buf[len(accountMetadataPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

// GetAccount reconstructs the deposit account stored under the provided
// address. The boolean reports whether the account has ever been registered;
// callers treat absent accounts differently from empty ones on the
// compensation path.
func (m *Manager) GetAccount(addr []byte) (*types.Account, bool, error) {
	if len(addr) == 0 {
		return nil, false, fmt.Errorf("address must not be empty")
	}
	stateAcc, err := m.loadStateAccount(addr)
	if err != nil {
		return nil, false, err
	}
	meta, metaFound, err := m.loadAccountMetadata(addr)
	if err != nil {
		return nil, false, err
	}
	if stateAcc == nil && !metaFound {
		return nil, false, nil
	}

	account := types.NewAccount()
	if stateAcc != nil && stateAcc.Balance != nil {
		account.NativeBalance = stateAcc.Balance.ToBig()
	}
	if meta != nil {
		for _, row := range meta.Tokens {
			amount := big.NewInt(0)
			if row.Amount != nil {
				amount = new(big.Int).Set(row.Amount)
			}
			account.Tokens[row.Symbol] = amount
		}
	}
	return account, true, nil
}

// PutAccount persists the provided deposit account under the supplied address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if account == nil {
		return fmt.Errorf("nil account")
	}
	account.EnsureDefaults()
	if account.NativeBalance.Sign() < 0 {
		return fmt.Errorf("negative native balance not allowed")
	}

	balance, overflow := uint256.FromBig(account.NativeBalance)
	if overflow {
		return fmt.Errorf("native balance overflow")
	}
	stateAcc := &gethtypes.StateAccount{
		Nonce:    0,
		Balance:  balance,
		Root:     gethtypes.EmptyRootHash,
		CodeHash: gethtypes.EmptyCodeHash.Bytes(),
	}
	if err := m.writeStateAccount(addr, stateAcc); err != nil {
		return err
	}

	meta := &accountMetadataV1{Tokens: make([]tokenBalance, 0, len(account.Tokens))}
	for symbol, amount := range account.Tokens {
		row := tokenBalance{Symbol: symbol, Amount: big.NewInt(0)}
		if amount != nil {
			if amount.Sign() < 0 {
				return fmt.Errorf("negative balance for %s not allowed", symbol)
			}
			row.Amount = new(big.Int).Set(amount)
		}
		meta.Tokens = append(meta.Tokens, row)
	}
	sort.Slice(meta.Tokens, func(i, j int) bool {
		return meta.Tokens[i].Symbol < meta.Tokens[j].Symbol
	})
	return m.writeAccountMetadata(addr, meta)
}

func (m *Manager) loadStateAccount(addr []byte) (*gethtypes.StateAccount, error) {
	data, err := m.trie.Get(accountStateKey(addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	stateAcc := new(gethtypes.StateAccount)
	if err := rlp.DecodeBytes(data, stateAcc); err != nil {
		return nil, err
	}
	return stateAcc, nil
}

func (m *Manager) writeStateAccount(addr []byte, stateAcc *gethtypes.StateAccount) error {
	encoded, err := rlp.EncodeToBytes(stateAcc)
	if err != nil {
		return err
	}
	return m.trie.Update(accountStateKey(addr), encoded)
}

func (m *Manager) loadAccountMetadata(addr []byte) (*accountMetadataV1, bool, error) {
	data, err := m.trie.Get(accountMetadataKey(addr))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	var envelope versionedPayload
	if err := rlp.DecodeBytes(data, &envelope); err != nil {
		return nil, false, err
	}
	switch envelope.Version {
	case accountMetadataVersion:
		meta := new(accountMetadataV1)
		if err := rlp.DecodeBytes(envelope.Payload, meta); err != nil {
			return nil, false, err
		}
		return meta, true, nil
	default:
		return nil, false, fmt.Errorf("unknown account metadata version %d", envelope.Version)
	}
}

func (m *Manager) writeAccountMetadata(addr []byte, meta *accountMetadataV1) error {
	payload, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(&versionedPayload{Version: accountMetadataVersion, Payload: payload})
	if err != nil {
		return err
	}
	return m.trie.Update(accountMetadataKey(addr), encoded)
}
