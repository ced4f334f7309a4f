package domain

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Origin tells which side of the negotiation produced a candidate.
type Origin string

const (
	OriginOfferer  Origin = "offerer"
	OriginAnswerer Origin = "answerer"
)

const (
	FieldSessionID     = "sessionId"
	FieldOrigin        = "origin"
	FieldSequence      = "sequence"
	FieldSDPMid        = "sdpMid"
	FieldSDPMLineIndex = "sdpMLineIndex"
	FieldCandidate     = "candidate"
)

func (o Origin) collection() string {
	if o == OriginOfferer {
		return "offerCandidates"
	}
	return "answerCandidates"
}

// Peer is the opposite side.
func (o Origin) Peer() Origin {
	if o == OriginOfferer {
		return OriginAnswerer
	}
	return OriginOfferer
}

// CandidatesPath is the append-only queue written by origin.
func CandidatesPath(id SessionID, o Origin) string {
	return SessionPath(id) + "/" + o.collection()
}

// IceCandidateRecord is one trickled candidate. Records are never mutated.
type IceCandidateRecord struct {
	SessionID     SessionID `mapstructure:"sessionId"`
	Origin        Origin    `mapstructure:"origin"`
	Sequence      uint64    `mapstructure:"sequence"`
	SDPMid        *string   `mapstructure:"sdpMid"`
	SDPMLineIndex *uint16   `mapstructure:"sdpMLineIndex"`
	Candidate     string    `mapstructure:"candidate"`
}

func NewCandidateRecord(id SessionID, o Origin, seq uint64, ci webrtc.ICECandidateInit) IceCandidateRecord {
	return IceCandidateRecord{
		SessionID:     id,
		Origin:        o,
		Sequence:      seq,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
		Candidate:     ci.Candidate,
	}
}

func (r IceCandidateRecord) Fields() Doc {
	d := Doc{
		FieldSessionID: string(r.SessionID),
		FieldOrigin:    string(r.Origin),
		FieldSequence:  r.Sequence,
		FieldCandidate: r.Candidate,
	}
	if r.SDPMid != nil {
		d[FieldSDPMid] = *r.SDPMid
	}
	if r.SDPMLineIndex != nil {
		d[FieldSDPMLineIndex] = *r.SDPMLineIndex
	}
	return d
}

func (r IceCandidateRecord) Init() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     r.Candidate,
		SDPMid:        r.SDPMid,
		SDPMLineIndex: r.SDPMLineIndex,
	}
}

func CandidateFromDoc(doc Doc) (IceCandidateRecord, error) {
	var r IceCandidateRecord
	if err := decode(doc, &r); err != nil {
		return IceCandidateRecord{}, fmt.Errorf("decode candidate: %w", err)
	}
	return r, nil
}
