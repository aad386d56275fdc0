package call

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hiapp/hicall/internal/signaling"
)

const (
	CollectionCalls = "calls"
	CollectionInbox = "inbox"

	ListCallerCandidates = "callerCandidates"
	ListCalleeCandidates = "calleeCandidates"
	ListIncoming         = "incoming"
)

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// LocalList is the candidate list this role appends to.
func (r Role) LocalList() string {
	if r == RoleCaller {
		return ListCallerCandidates
	}

	return ListCalleeCandidates
}

// RemoteList is the candidate list this role consumes.
func (r Role) RemoteList() string {
	if r == RoleCaller {
		return ListCalleeCandidates
	}

	return ListCallerCandidates
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key identifies a candidate for duplicate detection.
func (c Candidate) Key() string {
	mid, index := "", ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}

	if c.SDPMLineIndex != nil {
		index = strconv.Itoa(int(*c.SDPMLineIndex))
	}

	return mid + "|" + index + "|" + c.Candidate
}

// Status is the status field of the shared call record.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusAnswered Status = "answered"
	StatusAccepted Status = "accepted"
	StatusMissed   Status = "missed"
	StatusEnded    Status = "ended"
)

func (s Status) Terminal() bool {
	return s == StatusMissed || s == StatusEnded
}

var statusTransitions = map[Status][]Status{
	StatusRinging:  {StatusAnswered, StatusAccepted, StatusMissed, StatusEnded},
	StatusAnswered: {StatusAccepted, StatusEnded},
	StatusAccepted: {StatusEnded},
}

// CanTransition reports whether a record in status s may be rewritten to
// status to. Rewriting the same status is allowed so duplicate writers
// converge.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}

	for _, next := range statusTransitions[s] {
		if next == to {
			return true
		}
	}

	return false
}

type EndReason string

const (
	ReasonNone             EndReason = ""
	ReasonHangup           EndReason = "hangup"
	ReasonDeclined         EndReason = "declined"
	ReasonTimeout          EndReason = "timeout"
	ReasonBusy             EndReason = "busy"
	ReasonPermissionDenied EndReason = "permission_denied"
	ReasonPeerUnreachable  EndReason = "peer_unreachable"
	ReasonChannelFailure   EndReason = "channel_unavailable"
	ReasonRemoteEnded      EndReason = "remote_ended"
)

// Record is the shared session record stored at calls/{id}. It is the only
// source of truth for call status; every other signal is a hint.
type Record struct {
	ID           string              `json:"id"`
	Participants []string            `json:"participants"`
	CallerID     string              `json:"callerId"`
	CalleeID     string              `json:"calleeId"`
	Offer        *SessionDescription `json:"offer"`
	Answer       *SessionDescription `json:"answer"`
	Status       Status              `json:"status"`
	EndReason    EndReason           `json:"endReason,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	AnsweredAt   *time.Time          `json:"answeredAt,omitempty"`
	EndedAt      *time.Time          `json:"endedAt,omitempty"`
}

func RecordKey(callID string) signaling.Key {
	return signaling.Key{Collection: CollectionCalls, ID: callID}
}

func InboxKey(userID string) signaling.Key {
	return signaling.Key{Collection: CollectionInbox, ID: userID}
}

func newRecord(callID, callerID, calleeID string, now time.Time) *Record {
	return &Record{
		ID:           callID,
		Participants: []string{callerID, calleeID},
		CallerID:     callerID,
		CalleeID:     calleeID,
		Status:       StatusRinging,
		CreatedAt:    now,
	}
}

func (r *Record) fields() map[string]any {
	return map[string]any{
		"id":           r.ID,
		"participants": r.Participants,
		"callerId":     r.CallerID,
		"calleeId":     r.CalleeID,
		"offer":        r.Offer,
		"answer":       r.Answer,
		"status":       r.Status,
		"createdAt":    r.CreatedAt,
	}
}

// unansweredStatus is the terminal status a ringing call ends with for the
// given reason. Failures end the call; anything else leaves it missed.
func unansweredStatus(reason EndReason) Status {
	switch reason {
	case ReasonPermissionDenied, ReasonPeerUnreachable, ReasonChannelFailure, ReasonDeclined, ReasonBusy:
		return StatusEnded
	default:
		return StatusMissed
	}
}

func DecodeRecord(doc signaling.Document) (*Record, error) {
	var record Record

	err := doc.Decode(&record)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed call record: %w", ErrProtocolViolation, err)
	}

	if record.Status == "" {
		return nil, fmt.Errorf("%w: call record without status", ErrProtocolViolation)
	}

	return &record, nil
}

// InboxEntry announces a new call to the callee.
type InboxEntry struct {
	CallID    string    `json:"callId"`
	CallerID  string    `json:"callerId"`
	CreatedAt time.Time `json:"createdAt"`
}
