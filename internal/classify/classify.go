package classify

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind identifies what a storage key refers to.
type Kind int

const (
	KindIrrelevant Kind = iota
	KindRound
	KindSummary
	KindSHAP
)

func (k Kind) String() string {
	switch k {
	case KindRound:
		return "round"
	case KindSummary:
		return "summary"
	case KindSHAP:
		return "shap"
	default:
		return "irrelevant"
	}
}

// Artifact is the classification of one storage key. SessionID is the path
// segment under sessions/; Round is zero unless Kind is KindRound.
type Artifact struct {
	Kind      Kind
	Key       string
	SessionID string
	Round     int
}

// Relevant reports whether the artifact should enter the pipeline.
func (a Artifact) Relevant() bool { return a.Kind != KindIrrelevant }

const (
	scopeSegment    = "sessions"
	summaryFile     = "summary.json"
	shapFile        = "shap_analysis.csv"
	roundsSegment   = "rounds"
	sessionIDLayout = "2006-01-02_15-04-05"
)

var (
	roundFileRe = regexp.MustCompile(`^round_(\d+)\.json$`)
	sessionIDRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}$`)
)

// Classify maps a storage key onto an Artifact using the fixed path grammar
//
//	.../sessions/<session-id>/rounds/round_<N>.json
//	.../sessions/<session-id>/summary.json
//	.../sessions/<session-id>/shap_analysis.csv
//
// Segment roles are positional; anything else is irrelevant. This replaces
// substring matching on the key, so a session directory whose name happens
// to contain "summary" cannot misclassify.
func Classify(key string) Artifact {
	art := Artifact{Kind: KindIrrelevant, Key: key}

	segs := strings.Split(strings.Trim(key, "/"), "/")
	scope := -1
	for i, s := range segs {
		if s == scopeSegment {
			scope = i
			break
		}
	}
	if scope < 0 || len(segs) < scope+3 {
		return art
	}
	sessionID := segs[scope+1]

	rest := segs[scope+2:]
	switch {
	case len(rest) == 1 && rest[0] == summaryFile:
		art.Kind = KindSummary
	case len(rest) == 1 && rest[0] == shapFile:
		art.Kind = KindSHAP
	case len(rest) == 2 && rest[0] == roundsSegment:
		m := roundFileRe.FindStringSubmatch(rest[1])
		if m == nil {
			return art
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return art
		}
		art.Kind = KindRound
		art.Round = n
	default:
		return art
	}

	art.SessionID = sessionID
	return art
}

// roundPayload mirrors the round/summary JSON emitted by the training
// simulation. Unknown fields are preserved in the raw payload, not here.
type roundPayload struct {
	Metadata struct {
		SessionID string `json:"sessionId"`
		Round     int    `json:"round"`
		Timestamp string `json:"timestamp"`
	} `json:"metadata"`
	GlobalMetrics struct {
		Accuracy               *float64 `json:"accuracy"`
		Loss                   *float64 `json:"loss"`
		TotalClients           *int     `json:"totalClients"`
		ActiveMaliciousClients *int     `json:"activeMaliciousClients"`
		DefenseSuccessRate     *float64 `json:"defenseSuccessRate"`
	} `json:"globalMetrics"`
	RoundSummary struct {
		Accuracy *float64 `json:"accuracy"`
		Loss     *float64 `json:"loss"`
	} `json:"roundSummary"`
	Clients []struct {
		Accuracy *float64 `json:"accuracy"`
	} `json:"clients"`
	TotalRounds int    `json:"totalRounds"`
	EndTime     string `json:"endTime"`
}

// Record is the canonical, origin-independent shape handed to persistence
// and broadcast. Payload carries the full original document for round and
// summary artifacts; Text carries raw CSV for SHAP tables.
type Record struct {
	Artifact  Artifact
	SessionID string
	Round     int

	Accuracy           *float64
	Loss               *float64
	TotalClients       *int
	MaliciousClients   *int
	DefenseSuccessRate *float64

	Timestamp time.Time
	Payload   json.RawMessage
	Text      string

	// Summary-only fields.
	TotalRounds int
	EndTime     *time.Time
}

// Normalize extracts the canonical Record from raw artifact bytes.
// Round and summary artifacts must be valid JSON; SHAP tables are kept as
// raw text. The session id resolution order is: payload metadata, then the
// session path segment, then wall clock formatted like a session id (last
// resort, only reachable for keys outside the canonical layout).
func Normalize(art Artifact, raw []byte, now time.Time) (*Record, error) {
	rec := &Record{Artifact: art, Round: art.Round, Timestamp: now}

	if art.Kind == KindSHAP {
		rec.Text = string(raw)
		rec.SessionID = fallbackSessionID(art, now)
		return rec, nil
	}

	var p roundPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("Normalize: parse %s: %w", art.Key, err)
	}
	rec.Payload = json.RawMessage(raw)

	if p.Metadata.SessionID != "" {
		rec.SessionID = p.Metadata.SessionID
	} else {
		rec.SessionID = fallbackSessionID(art, now)
	}
	if p.Metadata.Round > 0 {
		rec.Round = p.Metadata.Round
	}
	if ts, err := time.Parse(time.RFC3339, p.Metadata.Timestamp); err == nil {
		rec.Timestamp = ts
	}

	switch art.Kind {
	case KindRound:
		rec.Accuracy = firstFloat(p.GlobalMetrics.Accuracy, p.RoundSummary.Accuracy, clientMeanAccuracy(p))
		rec.Loss = firstFloat(p.GlobalMetrics.Loss, p.RoundSummary.Loss, nil)
		rec.TotalClients = p.GlobalMetrics.TotalClients
		rec.MaliciousClients = p.GlobalMetrics.ActiveMaliciousClients
		rec.DefenseSuccessRate = p.GlobalMetrics.DefenseSuccessRate
	case KindSummary:
		rec.TotalRounds = p.TotalRounds
		if et, err := time.Parse(time.RFC3339, p.EndTime); err == nil {
			rec.EndTime = &et
		}
	}
	return rec, nil
}

func fallbackSessionID(art Artifact, now time.Time) string {
	if sessionIDRe.MatchString(art.SessionID) {
		return art.SessionID
	}
	if art.SessionID != "" {
		return art.SessionID
	}
	return now.Format(sessionIDLayout)
}

// firstFloat returns the first non-nil value in extraction priority order.
func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// clientMeanAccuracy averages accuracy over clients that report one.
// Nil when no client does.
func clientMeanAccuracy(p roundPayload) *float64 {
	var sum float64
	var n int
	for _, c := range p.Clients {
		if c.Accuracy != nil {
			sum += *c.Accuracy
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}
