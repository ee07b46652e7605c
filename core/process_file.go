package core

// Classification and handling of files received from peers. Any failure
// while processing a received file removes it from the store so a session
// can never leak unreferenced blobs.

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// processFile classifies a received "hash[:sig]" and applies it: blocks and
// transactions are reconstructed, verified and committed with their extras;
// checkpoint-info and blockchain-info files drive the catch-up queues.
func (s *Session) processFile(hashWithSig string) error {
	n := s.node
	n.fileMu.Lock()
	defer n.fileMu.Unlock()

	hash, sig := splitHashAndSig(hashWithSig)

	info, err := n.store.FileTypeInfo(hash)
	if err != nil {
		return err
	}
	parts := strings.Fields(info)

	// The same info file may already have been processed (or another peer
	// session may have tagged the file concurrently).
	if hash == s.vars.Get(varBlockchainInfo) {
		return n.store.DeleteFile(hash, false)
	}
	if len(parts) != 3 || n.store.GetHashTags(hash) != "" {
		return nil
	}

	coreType := parts[2]
	switch {
	case isBlock(coreType):
		if sig == "" {
			return nil
		}
		return s.deleteOnError(hash, func() error {
			content, err := n.store.ExtractFile(hash)
			if err != nil {
				return err
			}
			blob := n.verifier.ConstructBlobForBlockContent(content, sig)
			extras, err := n.verifier.VerifyCoreFile(blob, true)
			if err != nil {
				return err
			}
			if err := n.store.CreateRawFileWithExtras("", extras); err != nil {
				return err
			}
			_, err = n.processTxs(s.blockchain, "", s.vars)
			return err
		})

	case isTransaction(coreType):
		if sig == "" {
			return nil
		}
		return s.deleteOnError(hash, func() error {
			content, err := n.store.ExtractFile(hash)
			if err != nil {
				return err
			}
			blob := n.verifier.ConstructBlobForTransactionContent(content, sig)
			extras, err := n.verifier.VerifyCoreFile(blob, true)
			if err != nil {
				return err
			}
			if err := n.store.CreateRawFileWithExtras("", extras); err != nil {
				return err
			}
			// Transactions queue behind block catch-up while the chain is
			// synchronising.
			if !n.reg.AnyHasVariable(varSynchronising, s.blockchain) {
				if _, err := n.processTxs(s.blockchain, hash, s.vars); err != nil {
					return err
				}
			}
			return nil
		})

	case isCheckpointInfo(coreType):
		err := s.deleteOnError(hash, func() error {
			content, err := n.store.ExtractFile(hash)
			if err != nil {
				return err
			}
			cpInfo, err := getCheckpointInfo(content)
			if err != nil {
				return err
			}
			if !n.store.HasFile(cpInfo.CheckpointHash, false) {
				for _, hashWithSig := range cpInfo.BlobHashesWithSigs {
					blobHash, _ := splitHashAndSig(hashWithSig)
					if !n.store.HasFile(blobHash, false) {
						s.addFileToGet(hashWithSig)
					}
				}
				// The checkpoint cannot be created locally until blocks past
				// its height have been processed, so it must be fetched to
				// avoid getting stuck at the checkpoint height.
				s.addFileToGet(cpInfo.CheckpointHash)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return n.store.DeleteFile(hash, false)

	case isBlockchainInfo(coreType):
		err := s.deleteOnError(hash, func() error {
			content, err := n.store.ExtractFile(hash)
			if err != nil {
				return err
			}
			bcInfo, err := getBlockchainInfo(content)
			if err != nil {
				return err
			}

			needsCheckpoint := false
			for _, next := range bcInfo.CheckpointInfo {
				pos := strings.IndexByte(next, '.')
				if pos < 0 {
					return fmt.Errorf("invalid checkpoint information: %s", next)
				}
				if !n.store.HasFile(next[:pos], false) {
					s.addFileToGet(next[pos+1:])
					needsCheckpoint = true
					break
				}
			}

			if needsCheckpoint {
				s.vars.Set(varSynchronising, s.blockchain)
				return nil
			}

			head := s.vars.Get(varBlockchainHead)
			if head != "" && !n.store.HasFile(head, false) {
				s.vars.Set(varSynchronising, s.blockchain)
			} else {
				s.vars.Set(varBlockchainHead, "")
				s.vars.Set(varSynchronising, "")
			}

			s.vars.Set(varBlockchainInfo, hash)

			for _, hashWithSig := range bcInfo.BlobHashesWithSigs {
				blobHash, _ := splitHashAndSig(hashWithSig)
				if !n.store.HasFile(blobHash, false) {
					s.addFileToGet(hashWithSig)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		return n.store.DeleteFile(hash, false)
	}
	return nil
}

func (s *Session) deleteOnError(hash string, fn func() error) error {
	if err := fn(); err != nil {
		s.node.store.DeleteFile(hash, false)
		return err
	}
	return nil
}

// processTxs constructs the per-application transaction scripts for the
// chain, runs each touched application's block-txs script and rebuilds the
// chain-info file. One chain is processed at a time.
func (n *Node) processTxs(blockchain, txHash string, vars *SessionVars) (string, error) {
	lock := n.reg.ChainLock(blockchain)
	lock.Lock()
	defer lock.Unlock()

	txsPath := filepath.Join(n.cfg.DataDir, blockchain+".txs")
	if txHash != "" || fileExists(txsPath) {
		height, applications, err := n.verifier.ConstructTransactionScripts(blockchain, txHash)
		if err != nil {
			return "", err
		}

		if vars != nil {
			if txHash != "" {
				vars.Set(varRewindHeight, "")
			}
			vars.Set(varBlockHeight, strconv.FormatUint(height, 10))
		}

		for _, application := range applications {
			if fileExists(filepath.Join(n.cfg.DataDir, application+".log")) {
				if vars != nil {
					vars.Set(varApplication, application)
				}
				if err := n.verifier.RunScript("app_blk_txs"); err != nil {
					return "", err
				}
			}
			removeFile(filepath.Join(n.cfg.DataDir, application+".txs.cin"))
		}
	}

	return n.verifier.ConstructBlockchainInfoFile(blockchain)
}
