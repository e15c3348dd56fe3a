package domain

import (
	"encoding/json"
	"time"
)

// Domain is one of the fixed ability domains of the battery
type Domain string

const (
	Gf  Domain = "Gf"
	Gv  Domain = "Gv"
	Gq  Domain = "Gq"
	Gwm Domain = "Gwm"
	Gs  Domain = "Gs"
	Gc  Domain = "Gc"
)

// Domains lists every domain in administration order
var Domains = []Domain{Gf, Gv, Gq, Gwm, Gs, Gc}

// Valid reports whether d is one of the known domains
func (d Domain) Valid() bool {
	for _, known := range Domains {
		if d == known {
			return true
		}
	}
	return false
}

// Label is the human readable domain name
func (d Domain) Label() string {
	switch d {
	case Gf:
		return "Fluid Reasoning"
	case Gv:
		return "Visual-Spatial Processing"
	case Gq:
		return "Quantitative Reasoning"
	case Gwm:
		return "Working Memory"
	case Gs:
		return "Processing Speed"
	case Gc:
		return "Crystallized (Controlled Verbal) Reasoning"
	}
	return string(d)
}

// Item is a calibrated test item. Immutable once loaded.
// It serializes as its flat ItemRecord.
type Item struct {
	ID      string
	Domain  Domain
	Family  string
	Params  Params
	Content json.RawMessage
}

// Response is one recorded answer
type Response struct {
	ItemID string         `json:"itemId"`
	X      float64        `json:"x"`
	RTMs   int64          `json:"rtMs"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Correct maps the outcome onto a dichotomous score
func (r Response) Correct() bool {
	return r.X >= 0.5
}

// DomainSummary is the immutable end state of one subtest
type DomainSummary struct {
	Domain           Domain     `json:"domain"`
	Items            int        `json:"items"`
	Theta            float64    `json:"theta"`
	SE               float64    `json:"se"`
	Anchors          int        `json:"anchors"`
	PolicyViolations []string   `json:"policyViolations,omitempty"`
	Responses        []Response `json:"responses"`
}

// IntegrityFlag is an opaque proctoring signal carried into the report
type IntegrityFlag struct {
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

// Integrity bundles proctoring signals collected outside the engine
type Integrity struct {
	RapidGuessCount   int             `json:"rapidGuessingCount"`
	VisibilityChanges int             `json:"visibilityChanges"`
	Flags             []IntegrityFlag `json:"flags"`
	Note              string          `json:"note,omitempty"`
}

// Interval is a confidence interval on the index metric
type Interval struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

// Score is a theta converted onto the reporting metric
type Score struct {
	Index      float64  `json:"index"`
	Percentile float64  `json:"percentile"`
	CI95       Interval `json:"ci95"`
}

// DomainScore is the reported score for one domain
type DomainScore struct {
	Domain Domain  `json:"domain"`
	Items  int     `json:"items"`
	Theta  float64 `json:"theta"`
	SE     float64 `json:"se"`
	Score
}

// ReportMeta carries audit fields
type ReportMeta struct {
	AgeYears    float64 `json:"ageYears"`
	GeneratedAt string  `json:"generatedAt"`
}

// Report is the final score report of an administration
type Report struct {
	Meta      ReportMeta    `json:"meta"`
	Domains   []DomainScore `json:"domains"`
	FullScale Score         `json:"fullScale"`
	Integrity Integrity     `json:"integrity"`
}

// EventType tags an audit log record
type EventType string

const (
	EventSessionStarted   EventType = "SESSION_STARTED"
	EventItemResponse     EventType = "ITEM_RESPONSE"
	EventSubtestSummaries EventType = "SUBTEST_SUMMARIES"
	EventFinalReport      EventType = "FINAL_REPORT"
	EventAbort            EventType = "ABORT"
)

// Event is one append-only audit record
type Event struct {
	Seq     int             `json:"seq"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// ItemResponsePayload is the flat record emitted after every scored response
type ItemResponsePayload struct {
	Domain     Domain         `json:"domain"`
	Family     string         `json:"family"`
	ItemID     string         `json:"itemId"`
	Anchor     bool           `json:"anchor"`
	Model      Model          `json:"model"`
	A          float64        `json:"a"`
	B          float64        `json:"b"`
	C          *float64       `json:"c"`
	X          float64        `json:"x"`
	RTMs       int64          `json:"rtMs"`
	ThetaAfter float64        `json:"thetaAfter"`
	SEAfter    float64        `json:"semAfter"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// SessionMeta describes the examinee and administration context
type SessionMeta struct {
	AgeYears      float64           `json:"ageYears"`
	ParticipantID string            `json:"participantId,omitempty"`
	Mode          string            `json:"mode,omitempty"`
	FormID        string            `json:"formId,omitempty"`
	Groups        map[string]string `json:"groups,omitempty"`
}

// Session is a stored administration with its event log
type Session struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	Completed bool        `json:"completed"`
	Meta      SessionMeta `json:"meta"`
	Events    []Event     `json:"events,omitempty"`
}
