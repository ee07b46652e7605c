package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CheckpointInfo is the parsed body of a checkpoint-info core file: the hash
// of the checkpoint itself plus the hash:sig pairs of every blob the
// checkpoint covers.
type CheckpointInfo struct {
	CheckpointHash     string   `json:"checkpoint_hash"`
	BlobHashesWithSigs []string `json:"blob_hashes_with_sigs"`
}

// BlockchainInfo is the parsed body of a blockchain-info summary file. Each
// checkpoint entry has the form "<checkpoint-hash>.<checkpoint-info-hash>".
type BlockchainInfo struct {
	CheckpointInfo     []string `json:"checkpoint_info"`
	BlobHashesWithSigs []string `json:"blob_hashes_with_sigs"`
}

func isBlock(coreType string) bool          { return coreType == coreTypeBlock }
func isTransaction(coreType string) bool    { return coreType == coreTypeTransaction }
func isCheckpointInfo(coreType string) bool { return coreType == coreTypeCheckpointInfo }
func isBlockchainInfo(coreType string) bool { return coreType == coreTypeBlockchainInfo }

func corePayload(content []byte) ([]byte, error) {
	if len(content) == 0 || content[0] != fileTypeCore {
		return nil, fmt.Errorf("not a core file")
	}
	return content[1:], nil
}

func getCheckpointInfo(content []byte) (CheckpointInfo, error) {
	var info CheckpointInfo
	payload, err := corePayload(content)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(payload, &info); err != nil {
		return info, fmt.Errorf("invalid checkpoint information: %w", err)
	}
	return info, nil
}

func getBlockchainInfo(content []byte) (BlockchainInfo, error) {
	var info BlockchainInfo
	payload, err := corePayload(content)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(payload, &info); err != nil {
		return info, fmt.Errorf("invalid blockchain information: %w", err)
	}
	return info, nil
}

// splitHashAndSig separates "<hash>:<sig>" into its halves; the sig half is
// empty when no signature material was attached.
func splitHashAndSig(hashWithSig string) (hash, sig string) {
	if pos := strings.IndexByte(hashWithSig, ':'); pos >= 0 {
		return hashWithSig[:pos], hashWithSig[pos+1:]
	}
	return hashWithSig, ""
}
