package core

// Block minting: candidate construction across the chain's unlocked
// passwords and the commit path that re-mints before storing so late
// transactions are still included.

// MintNewBlock constructs a candidate block for each unlocked password and
// keeps the lowest-weight one. A non-empty passwordHash re-mints only the
// candidate keyed to that password. Construction stops as soon as a
// candidate includes no transactions, since every candidate draws from the
// same pool.
func (n *Node) MintNewBlock(blockchain, passwordHash string) ([]byte, NewBlockInfo, string, error) {
	r := n.reg
	r.coreMu.Lock()
	defer r.coreMu.Unlock()

	var data []byte
	var info NewBlockInfo
	outHash := passwordHash

	passwords := r.passwordsLocked(blockchain)
	isReminting := passwordHash != ""

	for i, password := range passwords {
		if isReminting && hashBytes([]byte(password)) != passwordHash {
			continue
		}

		nextData, nextInfo, err := n.verifier.ConstructNewBlock(blockchain, password)
		if err != nil {
			return nil, NewBlockInfo{}, "", err
		}

		if nextInfo.NumTxs == 0 {
			break
		}

		if i == 0 || isReminting || nextInfo.Weight < info.Weight {
			data = nextData
			info = nextInfo

			if isReminting {
				break
			}
			outHash = hashBytes([]byte(password))
		}
	}

	if data == nil {
		outHash = ""
	}
	return data, info, outHash, nil
}

// StoreNewBlock re-mints the candidate keyed to the password hash, then
// verifies and commits it along with its extras and rebuilt chain-info.
func (n *Node) StoreNewBlock(blockchain, passwordHash string, vars *SessionVars) error {
	n.fileMu.Lock()
	defer n.fileMu.Unlock()

	if passwordHash == "" {
		return nil
	}

	data, info, _, err := n.MintNewBlock(blockchain, passwordHash)
	if err != nil {
		return err
	}
	if len(data) == 0 || info.NumTxs == 0 {
		return nil
	}

	extras, err := n.verifier.VerifyCoreFile(data, true)
	if err != nil {
		return err
	}
	if err := n.store.CreateRawFileWithExtras("", extras); err != nil {
		return err
	}

	if _, err := n.processTxs(blockchain, "", vars); err != nil {
		return err
	}

	n.metrics.MintedBlocks.Inc()
	return nil
}
