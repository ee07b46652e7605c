package core

// Minting account management: unlocking and releasing per-chain passwords
// and creating blockchain transactions on behalf of unlocked accounts.

import (
	"fmt"
	"strings"
)

const adminAccount = "admin"

// UsePeerAccount unlocks (or with release set, withdraws) a minting
// password for the chain. An empty password queries: it lists the unlocked
// account ids, or with release set withdraws every password at once.
func (n *Node) UsePeerAccount(blockchain, password string, release bool) (string, error) {
	r := n.reg
	r.coreMu.Lock()
	defer r.coreMu.Unlock()

	if password == "" {
		if _, ok := r.passwords[blockchain]; !ok {
			return "", nil
		}
		if !release {
			var ids []string
			for _, pwd := range r.passwordsLocked(blockchain) {
				account, err := n.verifier.CheckAccount(blockchain, pwd)
				if err != nil {
					return "", err
				}
				ids = append(ids, account)
			}
			return strings.Join(ids, "\n"), nil
		}
		for _, pwd := range r.passwordsLocked(blockchain) {
			account, err := n.verifier.CheckAccount(blockchain, pwd)
			if err != nil {
				return "", err
			}
			if err := n.verifier.SetCryptKeyForAccount(blockchain, account, ""); err != nil {
				return "", err
			}
		}
		r.release[blockchain] = struct{}{}
		delete(r.passwords, blockchain)
		return "", nil
	}

	if release {
		if _, ok := r.passwords[blockchain]; ok {
			account, err := n.verifier.CheckAccount(blockchain, password)
			if err != nil {
				return "", err
			}
			if err := n.verifier.SetCryptKeyForAccount(blockchain, account, ""); err != nil {
				return "", err
			}
			r.release[blockchain] = struct{}{}
			delete(r.passwords[blockchain], password)
		}
		return "", nil
	}

	account, err := n.verifier.CheckAccount(blockchain, password)
	if err != nil {
		return "", err
	}
	if r.passwords[blockchain] == nil {
		r.passwords[blockchain] = make(map[string]struct{})
	}
	r.passwords[blockchain][password] = struct{}{}

	if err := n.verifier.SetCryptKeyForAccount(blockchain, account, hashBytes([]byte(password))); err != nil {
		return "", err
	}
	return account, nil
}

// GetAccountPassword looks up the unlocked password for the account; the
// admin alias resolves to the chain's own account.
func (n *Node) GetAccountPassword(blockchain, account string) (string, error) {
	r := n.reg
	r.coreMu.Lock()
	defer r.coreMu.Unlock()
	return n.getAccountPasswordLocked(blockchain, account)
}

func (n *Node) getAccountPasswordLocked(blockchain, account string) (string, error) {
	if _, ok := n.reg.passwords[blockchain]; !ok {
		return "", fmt.Errorf("blockchain %s has not been unlocked", blockchain)
	}

	testAccount := account
	if account == adminAccount {
		testAccount = blockchain
	}

	for _, pwd := range n.reg.passwordsLocked(blockchain) {
		id, err := n.verifier.CheckAccount(blockchain, pwd)
		if err != nil {
			return "", err
		}
		if id == testAccount {
			return pwd, nil
		}
	}
	return "", fmt.Errorf("invalid or non-minting account %s for blockchain %s", account, blockchain)
}

// LockBlockchainTransaction takes the core-files lock for a caller that
// needs to span several transaction operations; the returned func releases
// it.
func (n *Node) LockBlockchainTransaction() func() {
	n.reg.coreMu.Lock()
	return n.reg.coreMu.Unlock
}

// CreateBlockchainTransaction constructs, verifies and commits a new
// transaction from a "cmd account args" log command and rebuilds the
// chain-info file. It returns the new transaction's hash.
func (n *Node) CreateBlockchainTransaction(blockchain, application, logCommand string, fileInfo []string) (string, error) {
	r := n.reg
	r.coreMu.Lock()
	defer r.coreMu.Unlock()

	if _, ok := r.passwords[blockchain]; !ok {
		return "", fmt.Errorf("blockchain %s has not been unlocked", blockchain)
	}

	pos := strings.IndexByte(logCommand, ' ')
	if pos < 0 {
		return "", fmt.Errorf("invalid log command format: %s", logCommand)
	}
	cmd := logCommand[:pos]
	remaining := logCommand[pos+1:]

	pos = strings.IndexByte(remaining, ' ')
	if pos < 0 {
		return "", fmt.Errorf("invalid log command format: %s", logCommand)
	}
	account := remaining[:pos]
	remaining = remaining[pos:]

	password, err := n.getAccountPasswordLocked(blockchain, account)
	if err != nil {
		return "", err
	}

	txData, txHash, err := n.verifier.ConstructNewTransaction(
		blockchain, password, account, application, cmd+remaining, fileInfo)
	if err != nil {
		return "", err
	}

	extras, err := n.verifier.VerifyCoreFile(txData, true)
	if err != nil {
		return "", err
	}
	if err := n.store.CreateRawFileWithExtras("", extras); err != nil {
		return "", err
	}

	if _, err := n.verifier.ConstructBlockchainInfoFile(blockchain); err != nil {
		return "", err
	}
	return txHash, nil
}
