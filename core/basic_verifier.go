package core

// BasicVerifier is a structural Verifier: it commits well-formed core files
// without applying consensus rules and never constructs mintable blocks.
// Nodes that delegate consensus to an external application run with it; the
// full verifier is supplied by that application.

import (
	"encoding/json"
	"fmt"
)

type BasicVerifier struct{}

// NewBasicVerifier returns a structural verifier.
func NewBasicVerifier() *BasicVerifier { return &BasicVerifier{} }

func (v *BasicVerifier) ConstructNewBlock(string, string) ([]byte, NewBlockInfo, error) {
	return nil, NewBlockInfo{}, nil
}

func (v *BasicVerifier) ConstructBlobForBlockContent(content []byte, sig string) []byte {
	return content
}

func (v *BasicVerifier) ConstructBlobForTransactionContent(content []byte, sig string) []byte {
	return content
}

// VerifyCoreFile checks the envelope parses and yields the file itself as
// the single extra.
func (v *BasicVerifier) VerifyCoreFile(data []byte, validate bool) ([]Extra, error) {
	payload, err := corePayload(data)
	if err != nil {
		return nil, err
	}
	var env coreEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("malformed core file: %w", err)
	}
	switch env.CoreType {
	case coreTypeBlock, coreTypeTransaction, coreTypeCheckpointInfo, coreTypeBlockchainInfo:
	default:
		return nil, fmt.Errorf("unknown core type %q", env.CoreType)
	}
	return []Extra{{Data: data}}, nil
}

func (v *BasicVerifier) HasBetterBlock(string, uint64, uint64) bool { return false }

func (v *BasicVerifier) CheckAccount(blockchain, password string) (string, error) {
	return hashBytes([]byte(blockchain + ":" + password))[:16], nil
}

func (v *BasicVerifier) SetCryptKeyForAccount(string, string, string) error { return nil }

func (v *BasicVerifier) ConstructNewTransaction(string, string, string, string, string, []string) ([]byte, string, error) {
	return nil, "", fmt.Errorf("transaction construction requires the application verifier")
}

func (v *BasicVerifier) ConstructTransactionScripts(string, string) (uint64, []string, error) {
	return 0, nil, nil
}

func (v *BasicVerifier) ConstructBlockchainInfoFile(string) (string, error) { return "", nil }

func (v *BasicVerifier) RunScript(string) error { return nil }
