package core

import "time"

// Wire protocol version exchanged in the greeting line. Peers with a
// different major version (or a lower minor version than ours) are rejected.
const (
	protocolMajorVersion = 0
	protocolMinorVersion = 1

	protocolVersion = "0.1"
)

const (
	cmdChk  = "chk"
	cmdGet  = "get"
	cmdPut  = "put"
	cmdPip  = "pip"
	cmdTLS  = "tls"
	cmdBye  = "bye"
	cmdHelp = "help"
)

const (
	responseOkay        = "(okay)"
	responseOkayMore    = "(okay-more)"
	responseNotFound    = "(none)"
	responseErrorPrefix = "(error) "
)

const (
	reprocessPrefix = '*'

	helloLiteral = "hello"

	maxLineLength = 500

	minBlockWaitPasses = 8
)

const (
	acceptTimeout   = 250 * time.Millisecond
	requestTimeout  = 5 * time.Second
	greetingTimeout = 10 * time.Second
	pidTimeout      = 1 * time.Second

	connectTimeout   = 2500 * time.Millisecond
	reconnectTimeout = 1 * time.Second

	requestThrottleSleepTime = 250 * time.Millisecond
)

// File content carries a single type prefix byte ahead of the payload.
const (
	fileTypeBlob = 'b'
	fileTypeCore = 'c'
)

// Core file sub-kinds as reported by FileTypeInfo.
const (
	coreTypeBlock          = "block"
	coreTypeTransaction    = "transaction"
	coreTypeCheckpointInfo = "checkpoint_info"
	coreTypeBlockchainInfo = "blockchain_info"
)

// Session variable names shared between peer sessions via the registry.
const (
	varPeer           = "peer"
	varPeerInitiator  = "peer_initiator"
	varPeerResponder  = "peer_responder"
	varBlockchainInfo = "blockchain_info_hash"
	varBlockchainHead = "blockchain_head_hash"
	varSynchronising  = "peer_is_synchronising"
	varBlockHeight    = "block_height"
	varRewindHeight   = "rewind_height"
	varApplication    = "application"
)
