// Package v1 defines the loom document sync protocol v1 contract.
//
// This package is stable and dependency-light. It is shared between the server,
// tools and clients so the wire protocol stays authoritative in one place.
// Document trees and steps travel as raw JSON; their shape is owned by doctree.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated by the gateway.
const Subprotocol = "loom.docsync.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe joins a document or workspace channel (client -> server).
	TypeSubscribe = "subscribe"
	// TypeWelcome confirms a subscription (server -> client).
	TypeWelcome = "welcome"
	// TypeSnapshot carries a full tree and version (server -> client).
	TypeSnapshot = "snapshot"

	// TypeDiff submits a diff batch against a base version (client -> server).
	TypeDiff = "diff"
	// TypeDiffAck acknowledges an accepted batch to its sender (server -> client).
	TypeDiffAck = "diff_ack"
	// TypeDiffApplied broadcasts an accepted batch to the other participants (server -> client).
	TypeDiffApplied = "diff_applied"
	// TypeDiffRejected tells the sender to rebase onto the missed batches (server -> client).
	TypeDiffRejected = "diff_rejected"

	// TypeUnsubscribe leaves a channel (client -> server).
	TypeUnsubscribe = "unsubscribe"
	// TypeUnsubscribed confirms an unsubscribe (server -> client).
	TypeUnsubscribed = "unsubscribed"

	// TypePageEvent notifies workspace subscribers of a structural page change (server -> client).
	TypePageEvent = "page_event"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes (wire-stable).
const (
	CodeBadJSON            = "bad_json"
	CodeBadEnvelope        = "bad_envelope"
	CodeUnsupported        = "unsupported"
	CodeUnauthenticated    = "unauthenticated"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeStorageUnavailable = "storage_unavailable"
	CodeStructural         = "structural_error"
	CodeNotSubscribed      = "not_subscribed"
	CodeBadState           = "bad_state"
	CodeBackpressure       = "backpressure"
	CodeResyncPending      = "resync_pending"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal"
)

// Channel prefixes used by the broadcaster and the cross-process bus.
const (
	DocumentChannelPrefix  = "doc:"
	WorkspaceChannelPrefix = "workspace:"
)

// DocumentChannel returns the channel name carrying edit traffic for a document.
func DocumentChannel(documentID string) string { return DocumentChannelPrefix + documentID }

// WorkspaceChannel returns the channel name carrying coarse notifications for a workspace.
func WorkspaceChannel(workspaceID string) string { return WorkspaceChannelPrefix + workspaceID }

// Envelope is the canonical wire wrapper.
//
// Seq is the per-connection server sequence number and is set only on
// server -> client envelopes.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeWelcome,
		TypeSnapshot,
		TypeDiff,
		TypeDiffAck,
		TypeDiffApplied,
		TypeDiffRejected,
		TypeUnsubscribe,
		TypeUnsubscribed,
		TypePageEvent,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload identifies the connection and the resolved caller.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id,omitempty"`
}

// SubscribePayload names exactly one of DocumentID or WorkspaceID.
// AuthToken is optional when the connection authenticated at the handshake.
type SubscribePayload struct {
	DocumentID  string `json:"document_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	AuthToken   string `json:"auth_token,omitempty"`
}

// WelcomePayload confirms a subscription.
type WelcomePayload struct {
	ConnectionID string `json:"connection_id"`
	DocumentID   string `json:"document_id,omitempty"`
	WorkspaceID  string `json:"workspace_id,omitempty"`
	Channel      string `json:"channel"`
}

// SnapshotPayload carries the authoritative tree at Version.
// Resync is set when the snapshot replaces state the client may already hold.
type SnapshotPayload struct {
	DocumentID string          `json:"document_id"`
	Tree       json.RawMessage `json:"tree"`
	Version    int64           `json:"version"`
	Resync     bool            `json:"resync,omitempty"`
}

// DiffPayload submits steps against BaseVersion.
type DiffPayload struct {
	DocumentID  string          `json:"document_id"`
	BaseVersion int64           `json:"base_version"`
	Steps       json.RawMessage `json:"steps"`
	ClientSeq   int64           `json:"client_seq"`
}

// DiffAckPayload acknowledges an accepted batch to its sender.
type DiffAckPayload struct {
	DocumentID    string `json:"document_id"`
	ClientSeq     int64  `json:"client_seq"`
	ResultVersion int64  `json:"result_version"`
}

// DiffAppliedPayload is one accepted batch as seen by the other participants.
// It is also the element type of DiffRejectedPayload.MissedDiffs.
type DiffAppliedPayload struct {
	DocumentID         string          `json:"document_id"`
	BatchID            string          `json:"batch_id"`
	BaseVersion        int64           `json:"base_version"`
	ResultVersion      int64           `json:"result_version"`
	Steps              json.RawMessage `json:"steps"`
	OriginConnectionID string          `json:"origin_connection_id"`
}

// DiffRejectedPayload asks the sender to rebase onto MissedDiffs and resend.
// When the missed range is no longer buffered MissedDiffs is empty and a
// snapshot with Resync set follows.
type DiffRejectedPayload struct {
	DocumentID     string               `json:"document_id"`
	ClientSeq      int64                `json:"client_seq"`
	BaseVersion    int64                `json:"base_version"`
	CurrentVersion int64                `json:"current_version"`
	MissedDiffs    []DiffAppliedPayload `json:"missed_diffs"`
}

// UnsubscribePayload names a channel ("doc:<id>", "workspace:<id>" or a bare document id).
type UnsubscribePayload struct {
	Channel string `json:"channel"`
}

// UnsubscribedPayload confirms an unsubscribe.
type UnsubscribedPayload struct {
	Channel string `json:"channel"`
}

// Page event names carried by PageEventPayload.
const (
	PageCreated  = "page.created"
	PageMoved    = "page.moved"
	PageDeleted  = "page.deleted"
	PageRestored = "page.restored"
)

// PageEventPayload notifies workspace subscribers of a structural change made outside live editing.
type PageEventPayload struct {
	WorkspaceID      string `json:"workspace_id"`
	Event            string `json:"event"`
	PageID           string `json:"page_id"`
	ParentID         string `json:"parent_id,omitempty"`
	PreviousParentID string `json:"previous_parent_id,omitempty"`
	ActorID          string `json:"actor_id,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
